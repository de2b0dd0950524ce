package store

import (
	"context"
	"errors"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerTier is the secondary (mirror) tier backed by BadgerDB.
type BadgerTier struct {
	db *badger.DB
}

// BadgerOptions configures the mirror tier.
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string

	// InMemory keeps the mirror in memory only. The mirror then protects
	// against primary failures within one process lifetime.
	InMemory bool

	// Logger receives badger warnings and errors. Nil keeps badger quiet.
	Logger *zap.Logger
}

func NewBadgerTier(opts BadgerOptions) (*BadgerTier, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("store: BadgerOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{logger.Sugar().Named("badger")})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, err
	}
	return &BadgerTier{db: db}, nil
}

func (b *BadgerTier) Get(_ context.Context, key string) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

func (b *BadgerTier) Set(_ context.Context, key string, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (b *BadgerTier) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b *BadgerTier) Close() error {
	return b.db.Close()
}

// badgerLogger forwards badger warnings and errors to zap and drops the rest.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (badgerLogger) Infof(string, ...interface{})          {}
func (badgerLogger) Debugf(string, ...interface{})         {}
