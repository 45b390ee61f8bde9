package chunks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"offline-phone/internal/blobstore"
	"offline-phone/internal/cache"
	"offline-phone/internal/identity"
	"offline-phone/internal/realtime"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("chunks: not found")
	ErrInvalidArgument = errors.New("chunks: invalid argument")
)

// Repository is the persistence contract for audio chunk rows.
type Repository interface {
	Insert(ctx context.Context, c Chunk) (Chunk, error)
	// ListForCall returns every chunk of a call, created_at ascending.
	ListForCall(ctx context.Context, callID string) ([]Chunk, error)
}

// Source is a resolved, possibly-playable reference for one chunk.
// Data is populated when the bytes came from the local cache; a Source
// without Data while offline must be treated as unplayable by the caller.
type Source struct {
	Ref         string
	Data        []byte
	ContentType string
	Cached      bool
}

// Service is the durable + locally-cached repository of audio segments.
type Service struct {
	repo  Repository
	cache *cache.Store
	blobs *blobstore.Client
	bus   realtime.Bus

	// online reports the single authoritative effectively-online signal.
	// Resolution only touches the network when it returns true.
	online func() bool

	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, localCache *cache.Store, blobs *blobstore.Client, bus realtime.Bus, online func() bool, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if online == nil {
		online = func() bool { return false }
	}
	return &Service{repo: repo, cache: localCache, blobs: blobs, bus: bus, online: online, log: log, clock: time.Now}
}

// Record inserts the chunk row after a successful blob upload and announces
// it on the realtime bus. Called by the upload coordinator only.
func (s *Service) Record(ctx context.Context, c Chunk) (Chunk, error) {
	c.FromNumber = identity.Normalize(c.FromNumber)
	if c.CallID == "" || c.FromNumber == "" || c.URL == "" {
		return Chunk{}, ErrInvalidArgument
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock().UTC()
	}
	out, err := s.repo.Insert(ctx, c)
	if err != nil {
		return Chunk{}, fmt.Errorf("chunks: insert: %w", err)
	}
	s.publishInsert(ctx, out)
	return out, nil
}

// FetchOpposite returns the counterpart's chunks for a call in creation
// order. preferCache=true reads only the local cache (offline playback);
// preferCache=false queries the durable store and opportunistically warms
// the cache for each returned chunk.
func (s *Service) FetchOpposite(ctx context.Context, callID, myNumber string, preferCache bool) ([]Chunk, error) {
	me := identity.Normalize(myNumber)
	if callID == "" || me == "" {
		return nil, ErrInvalidArgument
	}

	if preferCache {
		metas, err := s.cache.ChunksForCall(ctx, callID)
		if err != nil {
			return nil, fmt.Errorf("chunks: cached list: %w", err)
		}
		var out []Chunk
		for _, m := range metas {
			if identity.Equal(m.FromNumber, me) {
				continue
			}
			out = append(out, Chunk{
				ID: m.ID, CallID: m.CallID, FromNumber: m.FromNumber,
				URL: m.URL, FilePath: m.FilePath, SessionIndex: m.SessionIndex, CreatedAt: m.CreatedAt,
			})
		}
		return out, nil
	}

	all, err := s.repo.ListForCall(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("chunks: list: %w", err)
	}
	var out []Chunk
	for _, c := range all {
		if identity.Equal(c.FromNumber, me) {
			continue
		}
		out = append(out, c)
		s.WarmCache(ctx, c)
	}
	return out, nil
}

// WarmCache mirrors a chunk (metadata + blob) into the local cache.
// Best-effort: failures are logged, never returned. Chunks whose location
// is already a local ref are skipped.
func (s *Service) WarmCache(ctx context.Context, c Chunk) {
	if IsLocalRef(c.URL) {
		return
	}
	if err := s.cache.PutChunk(ctx, cache.ChunkMeta{
		ID: c.ID, CallID: c.CallID, FromNumber: c.FromNumber,
		URL: c.URL, FilePath: c.FilePath, SessionIndex: c.SessionIndex, CreatedAt: c.CreatedAt,
	}); err != nil {
		s.log.Warn("chunks: cache meta failed", "chunk_id", c.ID, "err", err)
		return
	}

	ok, err := s.cache.HasBlob(ctx, c.URL)
	if err != nil {
		s.log.Warn("chunks: cache probe failed", "chunk_id", c.ID, "err", err)
		return
	}
	if ok || !s.online() {
		return
	}
	data, ct, err := s.blobs.Fetch(ctx, c.FilePath)
	if err != nil {
		s.log.Warn("chunks: blob warm failed", "chunk_id", c.ID, "err", err)
		return
	}
	if err := s.cache.PutBlob(ctx, c.URL, data, ct); err != nil {
		s.log.Warn("chunks: cache blob failed", "chunk_id", c.ID, "err", err)
	}
}

// CacheURL fetches a URL and stores it in the local cache. Exposed for
// pre-caching a counterpart chunk the moment its insert event arrives.
func (s *Service) CacheURL(ctx context.Context, url string) error {
	if IsLocalRef(url) {
		return nil
	}
	if ok, err := s.cache.HasBlob(ctx, url); err == nil && ok {
		return nil
	}
	data, ct, err := s.blobs.FetchURL(ctx, url)
	if err != nil {
		return fmt.Errorf("chunks: cache url: %w", err)
	}
	return s.cache.PutBlob(ctx, url, data, ct)
}

// ResolvePlayable turns a chunk reference into something the player can
// render. Local refs pass through; otherwise the cache is consulted, then
// (online only) the blob store with a cache fill; as a last resort the raw
// reference comes back without data and the caller treats it as possibly
// unplayable.
func (s *Service) ResolvePlayable(ctx context.Context, ref string) (Source, error) {
	if ref == "" {
		return Source{}, ErrInvalidArgument
	}
	if IsLocalRef(ref) {
		return Source{Ref: ref}, nil
	}

	if data, ct, err := s.cache.GetBlob(ctx, ref); err == nil {
		return Source{Ref: ref, Data: data, ContentType: ct, Cached: true}, nil
	} else if !errors.Is(err, cache.ErrNotFound) {
		s.log.Warn("chunks: cache read failed", "url", ref, "err", err)
	}

	if s.online() {
		data, ct, err := s.blobs.FetchURL(ctx, ref)
		if err == nil {
			if err := s.cache.PutBlob(ctx, ref, data, ct); err != nil {
				s.log.Warn("chunks: cache fill failed", "url", ref, "err", err)
			}
			return Source{Ref: ref, Data: data, ContentType: ct, Cached: true}, nil
		}
		s.log.Warn("chunks: online fetch failed", "url", ref, "err", err)
	}

	return Source{Ref: ref}, nil
}

// SubscribeInserts streams new chunk rows for one call.
func (s *Service) SubscribeInserts(ctx context.Context, callID string) (<-chan realtime.Event, func(), error) {
	return s.bus.Subscribe(ctx, realtime.Filter{
		Table: Table,
		Type:  realtime.EventInsert,
		Key:   callID,
	})
}

func (s *Service) publishInsert(ctx context.Context, c Chunk) {
	if s.bus == nil {
		return
	}
	payload, err := realtime.Marshal(c)
	if err != nil {
		s.log.Warn("chunks: marshal event failed", "chunk_id", c.ID, "err", err)
		return
	}
	e := realtime.Event{Table: Table, Type: realtime.EventInsert, Key: c.CallID, Payload: payload}
	if err := s.bus.Publish(ctx, e); err != nil {
		s.log.Warn("chunks: publish event failed", "chunk_id", c.ID, "err", err)
	}
}

// Decode unmarshals a chunk payload from a realtime event.
func Decode(e realtime.Event) (Chunk, error) {
	var c Chunk
	if err := json.Unmarshal(e.Payload, &c); err != nil {
		return Chunk{}, fmt.Errorf("chunks: decode event: %w", err)
	}
	return c, nil
}
