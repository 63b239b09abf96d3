package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"codeberg.org/dirbridge/dirbridge/pkg/config"
)

type EtcdStore struct {
	client  *clientv3.Client
	session *concurrency.Session
	mutex   *concurrency.Mutex
	prefix  string
	logger  *zap.Logger
}

type etcdMapping struct {
	PropertyType string `json:"propertyType"`
	LocalDN      string `json:"localDN"`
}

// NewEtcdStore connects and immediately takes the per-connector writer
// lock. A second running instance gets a fatal error here rather than a
// chance to interleave writes.
func NewEtcdStore(ctx context.Context, connector string, cfg config.StateConfig, logger *zap.Logger) (*EtcdStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(15))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	prefix := "/dirbridge/" + connector
	mutex := concurrency.NewMutex(session, prefix+"/lock")
	if err := mutex.TryLock(ctx); err != nil {
		session.Close()
		client.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, fmt.Errorf("connector %q is already running elsewhere: %w", connector, err)
		}
		return nil, fmt.Errorf("failed to acquire writer lock: %w", err)
	}

	logger.Info("Acquired connector writer lock", zap.String("connector", connector))

	return &EtcdStore{
		client:  client,
		session: session,
		mutex:   mutex,
		prefix:  prefix,
		logger:  logger.With(zap.String("state", "etcd")),
	}, nil
}

func (s *EtcdStore) LastUSN(ctx context.Context) (uint64, error) {
	resp, err := s.client.Get(ctx, s.prefix+"/cursor")
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return 0, nil
	}

	usn, err := strconv.ParseUint(string(resp.Kvs[0].Value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt cursor value %q: %w", resp.Kvs[0].Value, err)
	}
	return usn, nil
}

func (s *EtcdStore) SetLastUSN(ctx context.Context, usn uint64) error {
	_, err := s.client.Put(ctx, s.prefix+"/cursor", strconv.FormatUint(usn, 10))
	if err != nil {
		return fmt.Errorf("failed to persist cursor: %w", err)
	}
	return nil
}

func (s *EtcdStore) Resolve(ctx context.Context, propertyType string, foreignID []byte) (string, error) {
	resp, err := s.client.Get(ctx, s.mappingKey(foreignID))
	if err != nil {
		return "", fmt.Errorf("failed to resolve mapping: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return "", ErrNotFound
	}

	var m etcdMapping
	if err := json.Unmarshal(resp.Kvs[0].Value, &m); err != nil {
		return "", fmt.Errorf("corrupt mapping entry: %w", err)
	}
	if propertyType != "" && m.PropertyType != propertyType {
		return "", ErrNotFound
	}
	return m.LocalDN, nil
}

func (s *EtcdStore) ResolveReverse(ctx context.Context, localDN string) (*Mapping, error) {
	resp, err := s.client.Get(ctx, s.reverseKey(localDN))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve reverse mapping: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}

	key := string(resp.Kvs[0].Value)
	id, err := DecodeID(key)
	if err != nil {
		return nil, fmt.Errorf("corrupt identifier key %q: %w", key, err)
	}

	mresp, err := s.client.Get(ctx, s.prefix+"/mappings/"+key)
	if err != nil || len(mresp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	var m etcdMapping
	if err := json.Unmarshal(mresp.Kvs[0].Value, &m); err != nil {
		return nil, fmt.Errorf("corrupt mapping entry: %w", err)
	}

	return &Mapping{PropertyType: m.PropertyType, ForeignID: id, LocalDN: m.LocalDN}, nil
}

// Record keeps the forward and reverse entries consistent in one
// transaction, clearing a stale reverse key when the DN changed.
func (s *EtcdStore) Record(ctx context.Context, propertyType string, foreignID []byte, localDN string) error {
	data, err := json.Marshal(etcdMapping{PropertyType: propertyType, LocalDN: localDN})
	if err != nil {
		return fmt.Errorf("failed to marshal mapping: %w", err)
	}

	ops := []clientv3.Op{
		clientv3.OpPut(s.mappingKey(foreignID), string(data)),
		clientv3.OpPut(s.reverseKey(localDN), EncodeID(foreignID)),
	}

	if prev, rerr := s.Resolve(ctx, "", foreignID); rerr == nil && prev != localDN {
		ops = append(ops, clientv3.OpDelete(s.reverseKey(prev)))
	}

	if _, err := s.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		return fmt.Errorf("failed to record mapping: %w", err)
	}
	return nil
}

func (s *EtcdStore) Forget(ctx context.Context, foreignID []byte) error {
	ops := []clientv3.Op{clientv3.OpDelete(s.mappingKey(foreignID))}
	if dn, err := s.Resolve(ctx, "", foreignID); err == nil {
		ops = append(ops, clientv3.OpDelete(s.reverseKey(dn)))
	}

	if _, err := s.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		return fmt.Errorf("failed to forget mapping: %w", err)
	}
	return nil
}

func (s *EtcdStore) PutReject(ctx context.Context, usn uint64, dn string) error {
	_, err := s.client.Put(ctx, s.rejectKey(usn), dn)
	if err != nil {
		return fmt.Errorf("failed to store reject: %w", err)
	}
	return nil
}

func (s *EtcdStore) ListRejects(ctx context.Context) ([]Reject, error) {
	resp, err := s.client.Get(ctx, s.prefix+"/rejects/",
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to list rejects: %w", err)
	}

	rejects := make([]Reject, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		key := string(kv.Key)
		usn, err := strconv.ParseUint(key[len(s.prefix+"/rejects/"):], 10, 64)
		if err != nil {
			s.logger.Warn("Skipping corrupt reject key", zap.String("key", key))
			continue
		}
		rejects = append(rejects, Reject{USN: usn, DN: string(kv.Value)})
	}
	return rejects, nil
}

func (s *EtcdStore) RemoveReject(ctx context.Context, usn uint64) error {
	_, err := s.client.Delete(ctx, s.rejectKey(usn))
	if err != nil {
		return fmt.Errorf("failed to remove reject: %w", err)
	}
	return nil
}

// WatchRejects streams reject queue changes; used by the operator CLI
// to follow a stuck connector live.
func (s *EtcdStore) WatchRejects(ctx context.Context, out chan<- Reject) {
	wch := s.client.Watch(ctx, s.prefix+"/rejects/", clientv3.WithPrefix())
	for resp := range wch {
		if resp.Canceled {
			return
		}
		for _, ev := range resp.Events {
			if ev.Type != mvccpb.PUT {
				continue
			}
			key := string(ev.Kv.Key)
			usn, err := strconv.ParseUint(key[len(s.prefix+"/rejects/"):], 10, 64)
			if err != nil {
				continue
			}
			select {
			case out <- Reject{USN: usn, DN: string(ev.Kv.Value)}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *EtcdStore) mappingKey(foreignID []byte) string {
	return s.prefix + "/mappings/" + EncodeID(foreignID)
}

func (s *EtcdStore) reverseKey(localDN string) string {
	return s.prefix + "/reverse/" + EncodeID([]byte(localDN))
}

func (s *EtcdStore) rejectKey(usn uint64) string {
	return fmt.Sprintf("%s/rejects/%020d", s.prefix, usn)
}

func (s *EtcdStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.mutex.Unlock(ctx); err != nil {
		s.logger.Warn("Failed to release writer lock", zap.Error(err))
	}
	s.session.Close()
	return s.client.Close()
}
