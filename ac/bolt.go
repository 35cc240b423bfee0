package ac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	cascache "github.com/wolfeidau/cas-cache"
	"github.com/wolfeidau/cas-cache/reapi"
	"github.com/wolfeidau/cas-cache/telemetry"
	"go.etcd.io/bbolt"
)

const (
	// compressionThreshold is the encoded size below which results are stored raw.
	compressionThreshold = 2048

	// maxResultSize caps an encoded or decompressed action result.
	maxResultSize = 16 << 20

	encodingIdentity byte = 0
	encodingZstd     byte = 1
)

var (
	bucketResults = []byte("action_results")

	errResultTooLarge = errors.New("action result exceeds maximum size")
)

// Bolt keeps action results in a single bbolt database, compressing large ones.
type Bolt struct {
	db      *bbolt.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *slog.Logger
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string, opts ...Option) (*Bolt, error) {
	o := buildOptions(opts)

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  o.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening action cache database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResults)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketResults, err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxResultSize))
	if err != nil {
		enc.Close()
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	o.logger.Debug("opened action cache", "path", path, "noSync", o.noSync)
	return &Bolt{db: db, encoder: enc, decoder: dec, logger: o.logger}, nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	b.encoder.Close()
	b.decoder.Close()
	return b.db.Close()
}

// Get returns the result stored for action. Unreadable entries are misses.
func (b *Bolt) Get(ctx context.Context, action cascache.Digest) (*reapi.ActionResult, bool) {
	k, err := key(action)
	if err != nil {
		b.logger.Debug("action cache get", "action", action.String(), "error", err)
		telemetry.RecordActionCacheOp(ctx, "bolt", "get", "error")
		return nil, false
	}

	var value []byte
	err = b.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketResults).Get([]byte(k)); v != nil {
			// only valid for the life of the transaction
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		b.logger.Debug("action cache read failed", "action", k, "error", err)
		telemetry.RecordActionCacheOp(ctx, "bolt", "get", "error")
		return nil, false
	}
	if value == nil {
		telemetry.RecordActionCacheOp(ctx, "bolt", "get", "miss")
		return nil, false
	}

	res, err := b.decode(value)
	if err != nil {
		b.logger.Debug("action cache entry unreadable", "action", k, "error", err)
		telemetry.RecordActionCacheOp(ctx, "bolt", "get", "error")
		return nil, false
	}

	telemetry.RecordActionCacheOp(ctx, "bolt", "get", "hit")
	return res, true
}

// Put stores result for action, replacing any previous result.
func (b *Bolt) Put(ctx context.Context, action cascache.Digest, result *reapi.ActionResult) error {
	k, err := key(action)
	if err != nil {
		return err
	}
	value, err := b.encode(result)
	if err != nil {
		return fmt.Errorf("encoding action result %s: %w", k, err)
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResults).Put([]byte(k), value)
	})
	if err != nil {
		telemetry.RecordActionCacheOp(ctx, "bolt", "put", "error")
		return fmt.Errorf("writing action result %s: %w", k, err)
	}
	telemetry.RecordActionCacheOp(ctx, "bolt", "put", "success")
	return nil
}

// encode prefixes the wire bytes with their encoding, compressing when it pays off.
func (b *Bolt) encode(result *reapi.ActionResult) ([]byte, error) {
	data := result.Marshal()
	if len(data) > maxResultSize {
		return nil, errResultTooLarge
	}
	if len(data) >= compressionThreshold {
		compressed := b.encoder.EncodeAll(data, []byte{encodingZstd})
		if len(compressed) < len(data)+1 {
			return compressed, nil
		}
	}
	return append([]byte{encodingIdentity}, data...), nil
}

func (b *Bolt) decode(value []byte) (*reapi.ActionResult, error) {
	if len(value) == 0 {
		return nil, errors.New("empty value")
	}

	data := value[1:]
	switch value[0] {
	case encodingIdentity:
	case encodingZstd:
		var err error
		data, err = b.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing: %w", err)
		}
		if len(data) > maxResultSize {
			return nil, errResultTooLarge
		}
	default:
		return nil, fmt.Errorf("unknown encoding %d", value[0])
	}
	return reapi.UnmarshalActionResult(data)
}

var _ ActionCache = (*Bolt)(nil)
