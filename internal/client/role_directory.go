package client

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisRoleDirectory resolves official roles from Redis sets maintained by
// the identity service. Members of <prefix>:roles:<role> hold that role.
type RedisRoleDirectory struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisRoleDirectory creates a directory reading from rdb.
func NewRedisRoleDirectory(rdb redis.UniversalClient, prefix string) *RedisRoleDirectory {
	if prefix == "" {
		prefix = "certificates"
	}
	return &RedisRoleDirectory{rdb: rdb, prefix: prefix}
}

func (d *RedisRoleDirectory) key(role string) string {
	return fmt.Sprintf("%s:roles:%s", d.prefix, role)
}

// UsersWithRole returns the users currently holding role, sorted.
func (d *RedisRoleDirectory) UsersWithRole(ctx context.Context, role string) ([]string, error) {
	users, err := d.rdb.SMembers(ctx, d.key(role)).Result()
	if err != nil {
		return nil, fmt.Errorf("read role %q: %w", role, err)
	}
	sort.Strings(users)
	return users, nil
}

// Grant adds userID to role.
func (d *RedisRoleDirectory) Grant(ctx context.Context, role, userID string) error {
	return d.rdb.SAdd(ctx, d.key(role), userID).Err()
}

// Revoke removes userID from role.
func (d *RedisRoleDirectory) Revoke(ctx context.Context, role, userID string) error {
	return d.rdb.SRem(ctx, d.key(role), userID).Err()
}

// StaticRoleDirectory serves role membership from configuration.
type StaticRoleDirectory map[string][]string

// UsersWithRole returns a copy of the configured holders of role.
func (d StaticRoleDirectory) UsersWithRole(_ context.Context, role string) ([]string, error) {
	users := d[role]
	if len(users) == 0 {
		return nil, nil
	}
	return append([]string(nil), users...), nil
}
