package stores

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisTeamStore keeps actor->teams in Redis sets (key: guard:teams:{actorID})
type RedisTeamStore struct {
	client *redis.Client
	keyFmt string
}

func NewRedisTeamStore(client *redis.Client) *RedisTeamStore {
	return &RedisTeamStore{client: client, keyFmt: "guard:teams:%s"}
}

func (r *RedisTeamStore) key(actorID string) string {
	return fmt.Sprintf(r.keyFmt, actorID)
}

func (r *RedisTeamStore) AddMember(ctx context.Context, teamID, actorID string) error {
	return r.client.SAdd(ctx, r.key(actorID), teamID).Err()
}

func (r *RedisTeamStore) RemoveMember(ctx context.Context, teamID, actorID string) error {
	return r.client.SRem(ctx, r.key(actorID), teamID).Err()
}

func (r *RedisTeamStore) TeamsOf(ctx context.Context, actorID string) ([]string, error) {
	return r.client.SMembers(ctx, r.key(actorID)).Result()
}
