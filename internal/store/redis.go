package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vacantcourt/backend/internal/models"
	"go.uber.org/zap"
)

const (
	facilitiesSetKey = "facilities"
	requestsSetKey   = "notification_requests"

	mgetBatchSize   = 500
	maxWatchRetries = 5
)

var (
	// deleteIfOwner removes the dedupe index only while it still points at the
	// request being deleted.
	deleteIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

	// forgetIfMissing drops a set member whose document no longer exists.
	forgetIfMissing = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return redis.call("SREM", KEYS[2], ARGV[1])
end
return 0
`)
)

func facilityKey(id string) string { return fmt.Sprintf("facility:%s", id) }

func requestKey(id string) string { return fmt.Sprintf("notification_request:%s", id) }

func requestIndexKey(userID, courtID string) string {
	return fmt.Sprintf("notification_request:user:%s:court:%s", userID, courtID)
}

type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger.Named("redis-store")}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// mgetDocuments loads the documents behind ids, in batches. Missing keys come
// back as empty strings.
func (s *RedisStore) mgetDocuments(ctx context.Context, ids []string, key func(string) string) ([]string, error) {
	out := make([]string, 0, len(ids))
	for start := 0; start < len(ids); start += mgetBatchSize {
		end := min(start+mgetBatchSize, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, key(id))
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			str, _ := v.(string)
			out = append(out, str)
		}
	}
	return out, nil
}

// ListNotificationRequests returns every pending request. A document that
// cannot be decoded is returned with only its ID set so callers see it as
// invalid instead of losing track of it.
func (s *RedisStore) ListNotificationRequests(ctx context.Context) ([]models.NotificationRequest, error) {
	ids, err := s.client.SMembers(ctx, requestsSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list notification request ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	docs, err := s.mgetDocuments(ctx, ids, requestKey)
	if err != nil {
		return nil, fmt.Errorf("load notification requests: %w", err)
	}

	requests := make([]models.NotificationRequest, 0, len(ids))
	for i, doc := range docs {
		if doc == "" {
			s.forgetMissingRequest(ctx, ids[i])
			continue
		}
		var req models.NotificationRequest
		if err := json.Unmarshal([]byte(doc), &req); err != nil {
			s.logger.Warn("undecodable notification request",
				zap.String("request_id", ids[i]),
				zap.Error(err),
			)
			req = models.NotificationRequest{}
		}
		req.ID = ids[i]
		requests = append(requests, req)
	}
	return requests, nil
}

// forgetMissingRequest removes an id from the request set once its document is
// gone, unless the document came back in the meantime.
func (s *RedisStore) forgetMissingRequest(ctx context.Context, id string) {
	err := forgetIfMissing.Run(ctx, s.client, []string{requestKey(id), requestsSetKey}, id).Err()
	if err != nil {
		s.logger.Warn("could not drop vanished notification request id",
			zap.String("request_id", id),
			zap.Error(err),
		)
	}
}

func (s *RedisStore) CreateNotificationRequest(ctx context.Context, req models.NotificationRequest) (*models.NotificationRequest, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}

	indexKey := requestIndexKey(req.UserID, req.CourtID)
	claimed, err := s.client.SetNX(ctx, indexKey, req.ID, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("claim notification request index: %w", err)
	}
	if !claimed {
		existingID, err := s.client.Get(ctx, indexKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("read notification request index: %w", err)
		}
		live, err := s.client.Exists(ctx, requestKey(existingID)).Result()
		if err != nil {
			return nil, fmt.Errorf("check existing notification request: %w", err)
		}
		if live > 0 {
			return nil, ErrDuplicateRequest
		}
		// index left behind by an interrupted delete
		if err := s.client.Set(ctx, indexKey, req.ID, 0).Err(); err != nil {
			return nil, fmt.Errorf("reclaim notification request index: %w", err)
		}
	}

	doc, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode notification request: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, requestKey(req.ID), doc, 0)
		pipe.SAdd(ctx, requestsSetKey, req.ID)
		return nil
	})
	if err != nil {
		s.client.Del(ctx, indexKey)
		return nil, fmt.Errorf("save notification request: %w", err)
	}
	return &req, nil
}

func (s *RedisStore) getRequest(ctx context.Context, id string) (*models.NotificationRequest, error) {
	doc, err := s.client.Get(ctx, requestKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var req models.NotificationRequest
	if err := json.Unmarshal([]byte(doc), &req); err != nil {
		return nil, fmt.Errorf("decode notification request %s: %w", id, err)
	}
	req.ID = id
	return &req, nil
}

func (s *RedisStore) FindNotificationRequest(ctx context.Context, userID, courtID string) (*models.NotificationRequest, error) {
	id, err := s.client.Get(ctx, requestIndexKey(userID, courtID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read notification request index: %w", err)
	}
	return s.getRequest(ctx, id)
}

// DeleteNotificationRequest removes the request and its (user, court) index.
// Deleting a request that no longer exists succeeds.
func (s *RedisStore) DeleteNotificationRequest(ctx context.Context, id string) error {
	req, err := s.getRequest(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		// undecodable documents are still removed below
		s.logger.Debug("deleting unreadable notification request", zap.String("request_id", id), zap.Error(err))
		req = nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, requestKey(id))
		pipe.SRem(ctx, requestsSetKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete notification request %s: %w", id, err)
	}

	if req != nil {
		indexKey := requestIndexKey(req.UserID, req.CourtID)
		if err := deleteIfOwner.Run(ctx, s.client, []string{indexKey}, id).Err(); err != nil {
			s.logger.Warn("could not clear notification request index",
				zap.String("request_id", id),
				zap.String("index", indexKey),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *RedisStore) GetFacility(ctx context.Context, id string) (*models.Facility, error) {
	doc, err := s.client.Get(ctx, facilityKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get facility %s: %w", id, err)
	}
	var f models.Facility
	if err := json.Unmarshal([]byte(doc), &f); err != nil {
		return nil, fmt.Errorf("decode facility %s: %w", id, err)
	}
	f.ID = id
	return &f, nil
}

func (s *RedisStore) ListFacilities(ctx context.Context) ([]models.Facility, error) {
	ids, err := s.client.SMembers(ctx, facilitiesSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list facility ids: %w", err)
	}
	docs, err := s.mgetDocuments(ctx, ids, facilityKey)
	if err != nil {
		return nil, fmt.Errorf("load facilities: %w", err)
	}

	facilities := make([]models.Facility, 0, len(ids))
	for i, doc := range docs {
		if doc == "" {
			continue
		}
		var f models.Facility
		if err := json.Unmarshal([]byte(doc), &f); err != nil {
			s.logger.Warn("skipping undecodable facility", zap.String("facility_id", ids[i]), zap.Error(err))
			continue
		}
		f.ID = ids[i]
		facilities = append(facilities, f)
	}
	return facilities, nil
}

func (s *RedisStore) SaveFacility(ctx context.Context, f *models.Facility) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	doc, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode facility: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, facilityKey(f.ID), doc, 0)
		pipe.SAdd(ctx, facilitiesSetKey, f.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save facility %s: %w", f.ID, err)
	}
	return nil
}

// updateFacility applies fn to the stored document under WATCH so concurrent
// writers of the same facility do not lose each other's changes.
func (s *RedisStore) updateFacility(ctx context.Context, id string, fn func(*models.Facility) error) error {
	key := facilityKey(id)
	txf := func(tx *redis.Tx) error {
		doc, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var f models.Facility
		if err := json.Unmarshal([]byte(doc), &f); err != nil {
			return fmt.Errorf("decode facility %s: %w", id, err)
		}
		if err := fn(&f); err != nil {
			return err
		}
		f.ID = id
		updated, err := json.Marshal(&f)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update facility %s: too much contention", id)
}

func (s *RedisStore) UpdateFacilityOwner(ctx context.Context, id, ownerID string) error {
	return s.updateFacility(ctx, id, func(f *models.Facility) error {
		f.OwnerID = ownerID
		return nil
	})
}

func (s *RedisStore) UpdateSubCourtStatus(ctx context.Context, facilityID, subCourtID, status string, at time.Time) error {
	return s.updateFacility(ctx, facilityID, func(f *models.Facility) error {
		return applySubCourtStatus(f, subCourtID, status, at)
	})
}
