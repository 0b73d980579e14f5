package redis

import goredis "github.com/redis/go-redis/v9"

// Return code conventions shared by the write scripts below. A script
// returns either one of these sentinels, or a non-negative integer giving
// the session key's effective remaining TTL in seconds.
const (
	// scriptPersistentTTL indicates the key is now persistent (no expiry).
	scriptPersistentTTL = -1
	// scriptAlreadyExists indicates an insert-family script found the field
	// already present and left the hash untouched.
	scriptAlreadyExists = -2
	// scriptRenameCollision indicates a rename-family script found the
	// target session id already occupied and made no changes.
	scriptRenameCollision = -3
)

// ttlScript is shared effective-key-TTL reconciliation logic: never shorten
// a finite TTL, a persistent (-1) field TTL dominates to a persistent key,
// and a brand-new key adopts the computed TTL outright.
const ttlScript = `
local function effective_key_ttl(key_ttl_secs, field_ttl_secs)
    local eff = key_ttl_secs
    if field_ttl_secs then
        if field_ttl_secs == -1 then
            eff = -1
        elseif field_ttl_secs > 0 then
            if eff == false or eff == nil then
                eff = field_ttl_secs
            elseif eff ~= -1 and field_ttl_secs > eff then
                eff = field_ttl_secs
            end
        end
    end
    return eff
end

local function apply_key_ttl(key, eff, key_existed)
    if eff and eff == -1 then
        redis.call('PERSIST', key)
        return -1
    end
    if eff and eff > 0 then
        if key_existed == 0 then
            redis.call('EXPIRE', key, eff)
            return eff
        end
        local current = redis.call('TTL', key)
        if current == -1 then
            return -1
        elseif eff > current then
            redis.call('EXPIRE', key, eff)
            return eff
        end
        return current
    end
    return redis.call('TTL', key)
end

local function apply_field_write(key, field, value, field_ttl_secs)
    if field_ttl_secs and field_ttl_secs == 0 then
        redis.call('HDEL', key, field)
        return
    end
    redis.call('HSET', key, field, value)
    if field_ttl_secs and field_ttl_secs > 0 then
        redis.call('HEXPIRE', key, field_ttl_secs, 'FIELDS', 1, field)
    elseif field_ttl_secs and field_ttl_secs == -1 then
        redis.call('HPERSIST', key, 'FIELDS', 1, field)
    end
end
`

// insertScript sets field only if absent, then reconciles the session key's
// TTL. ARGV: field, value, key_ttl_secs ("" = unspecified), field_ttl_secs
// ("" = unspecified). Per I3, a non-positive key_ttl_secs deletes the
// session outright instead of writing the field.
var insertScript = goredis.NewScript(ttlScript + `
    local key = KEYS[1]
    local field = ARGV[1]
    local value = ARGV[2]
    local key_ttl_secs = tonumber(ARGV[3])
    local field_ttl_secs = tonumber(ARGV[4])

    if key_ttl_secs ~= nil and key_ttl_secs <= 0 then
        redis.call('DEL', key)
        return -2
    end

    if redis.call('HEXISTS', key, field) == 1 then
        return -2
    end

    local key_existed = redis.call('EXISTS', key)
    apply_field_write(key, field, value, field_ttl_secs)

    local eff = effective_key_ttl(key_ttl_secs, field_ttl_secs)
    return apply_key_ttl(key, eff, key_existed)
`)

// updateScript upserts field unconditionally, then reconciles TTL. Same
// ARGV shape as insertScript, same non-positive key_ttl_secs deletion.
var updateScript = goredis.NewScript(ttlScript + `
    local key = KEYS[1]
    local field = ARGV[1]
    local value = ARGV[2]
    local key_ttl_secs = tonumber(ARGV[3])
    local field_ttl_secs = tonumber(ARGV[4])

    if key_ttl_secs ~= nil and key_ttl_secs <= 0 then
        redis.call('DEL', key)
        return -2
    end

    local key_existed = redis.call('EXISTS', key)
    apply_field_write(key, field, value, field_ttl_secs)

    local eff = effective_key_ttl(key_ttl_secs, field_ttl_secs)
    return apply_key_ttl(key, eff, key_existed)
`)

// insertWithRenameScript renames KEYS[1] (old) to KEYS[2] (new), failing if
// new already exists, then behaves as insertScript under the new key. A
// non-positive key_ttl_secs deletes old_key and skips the rename entirely.
var insertWithRenameScript = goredis.NewScript(ttlScript + `
    local old_key = KEYS[1]
    local new_key = KEYS[2]
    local field = ARGV[1]
    local value = ARGV[2]
    local key_ttl_secs = tonumber(ARGV[3])
    local field_ttl_secs = tonumber(ARGV[4])

    if key_ttl_secs ~= nil and key_ttl_secs <= 0 then
        redis.call('DEL', old_key)
        return -2
    end

    if redis.call('EXISTS', new_key) == 1 then
        return -3
    end

    local key_existed = 0
    if redis.call('EXISTS', old_key) == 1 then
        key_existed = 1
        redis.call('RENAMENX', old_key, new_key)
    end

    if redis.call('HEXISTS', new_key, field) == 1 then
        return -2
    end

    apply_field_write(new_key, field, value, field_ttl_secs)

    local eff = effective_key_ttl(key_ttl_secs, field_ttl_secs)
    return apply_key_ttl(new_key, eff, key_existed)
`)

// updateWithRenameScript renames KEYS[1] (old) to KEYS[2] (new), failing if
// new already exists, then behaves as updateScript under the new key. A
// non-positive key_ttl_secs deletes old_key and skips the rename entirely.
var updateWithRenameScript = goredis.NewScript(ttlScript + `
    local old_key = KEYS[1]
    local new_key = KEYS[2]
    local field = ARGV[1]
    local value = ARGV[2]
    local key_ttl_secs = tonumber(ARGV[3])
    local field_ttl_secs = tonumber(ARGV[4])

    if key_ttl_secs ~= nil and key_ttl_secs <= 0 then
        redis.call('DEL', old_key)
        return -2
    end

    if redis.call('EXISTS', new_key) == 1 then
        return -3
    end

    local key_existed = 0
    if redis.call('EXISTS', old_key) == 1 then
        key_existed = 1
        redis.call('RENAMENX', old_key, new_key)
    end

    apply_field_write(new_key, field, value, field_ttl_secs)

    local eff = effective_key_ttl(key_ttl_secs, field_ttl_secs)
    return apply_key_ttl(new_key, eff, key_existed)
`)

// renameScript renames KEYS[1] (old) to KEYS[2] (new) with no field write,
// failing if new already exists. ARGV: key_ttl_secs ("" = unspecified). A
// non-positive key_ttl_secs deletes old_key and reports the same sentinel
// as a collision, since both leave the caller with no renamed session.
var renameScript = goredis.NewScript(ttlScript + `
    local old_key = KEYS[1]
    local new_key = KEYS[2]
    local key_ttl_secs = tonumber(ARGV[1])

    if key_ttl_secs ~= nil and key_ttl_secs <= 0 then
        redis.call('DEL', old_key)
        return -3
    end

    if redis.call('EXISTS', new_key) == 1 then
        return -3
    end
    if redis.call('EXISTS', old_key) == 0 then
        return -3
    end

    local renamed = redis.call('RENAMENX', old_key, new_key)
    if renamed == 0 then
        return -3
    end

    if key_ttl_secs then
        return apply_key_ttl(new_key, key_ttl_secs, 1)
    end
    return redis.call('TTL', new_key)
`)

// removeScript deletes a single field and reports whether any fields
// remain. Return: 0 if the hash is now empty (or never existed), 1 if
// fields remain.
var removeScript = goredis.NewScript(`
    local key = KEYS[1]
    local field = ARGV[1]

    redis.call('HDEL', key, field)
    if redis.call('EXISTS', key) == 0 then
        return 0
    end
    return 1
`)

// updateManyScript upserts a batch of (field, value, field_ttl_secs)
// triples in one round trip, used to warm the hot cache after a cold
// read. ARGV is a flat sequence of field/value/field_ttl_secs triples.
var updateManyScript = goredis.NewScript(ttlScript + `
    local key = KEYS[1]
    if (#ARGV % 3) ~= 0 then
        return redis.error_reply("ARGV must be field,value,expiry triples")
    end

    local key_existed = redis.call('EXISTS', key)
    local max_finite_ttl = false
    local has_persistent_field = false

    for i = 1, #ARGV, 3 do
        local f_ttl = tonumber(ARGV[i + 2])
        if f_ttl then
            if f_ttl == -1 then
                has_persistent_field = true
            elseif (not max_finite_ttl) or f_ttl > max_finite_ttl then
                max_finite_ttl = f_ttl
            end
        end
    end

    for i = 1, #ARGV, 3 do
        apply_field_write(key, ARGV[i], ARGV[i + 1], tonumber(ARGV[i + 2]))
    end

    if has_persistent_field then
        redis.call('PERSIST', key)
        return -1
    end
    if max_finite_ttl then
        return apply_key_ttl(key, max_finite_ttl, key_existed)
    end
    return redis.call('TTL', key)
`)
