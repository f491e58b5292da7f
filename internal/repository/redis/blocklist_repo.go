package redis

import (
	"context"
	"fmt"

	"peercall-backend/internal/database"
)

// BlocklistRepository stores each user's blocked-party set in Redis. The
// incoming call gate consults it before surfacing a call.
type BlocklistRepository struct {
	client *database.RedisClient
}

// NewBlocklistRepository creates a new BlocklistRepository
func NewBlocklistRepository(client *database.RedisClient) *BlocklistRepository {
	return &BlocklistRepository{client: client}
}

func blocklistKey(uid string) string {
	return fmt.Sprintf("blocklist:%s", uid)
}

// Block adds partnerID to uid's blocklist
func (r *BlocklistRepository) Block(ctx context.Context, uid, partnerID string) error {
	err := r.client.SafeSAdd(ctx, blocklistKey(uid), partnerID).Err()
	if err != nil {
		return fmt.Errorf("failed to block user: %w", err)
	}
	return nil
}

// Unblock removes partnerID from uid's blocklist
func (r *BlocklistRepository) Unblock(ctx context.Context, uid, partnerID string) error {
	err := r.client.SafeSRem(ctx, blocklistKey(uid), partnerID).Err()
	if err != nil {
		return fmt.Errorf("failed to unblock user: %w", err)
	}
	return nil
}

// IsBlocked reports whether uid has blocked partnerID. A degraded Redis
// reports not blocked so calls are not silently dropped during an outage.
func (r *BlocklistRepository) IsBlocked(ctx context.Context, uid, partnerID string) (bool, error) {
	if r.client.IsDegraded() {
		return false, nil
	}
	blocked, err := r.client.SafeSIsMember(ctx, blocklistKey(uid), partnerID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blocklist: %w", err)
	}
	return blocked, nil
}

// List returns uid's blocked parties
func (r *BlocklistRepository) List(ctx context.Context, uid string) ([]string, error) {
	members, err := r.client.SafeSMembers(ctx, blocklistKey(uid)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list blocklist: %w", err)
	}
	return members, nil
}

// IsDegraded returns true if Redis is in degraded mode
func (r *BlocklistRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
