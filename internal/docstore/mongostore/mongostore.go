// Package mongostore is a docstore.Store backed by a MongoDB collection.
//
// Each document is stored as
//
//	{_id: <key>, _rev: <revision>, <field>: [...], ...}
//
// Array operations map onto single-document updates ($push, $pull, $set
// with array filters), each of which also increments _rev, so every
// mutation is atomic on the server. Array elements are written with their
// keys sorted so that server-side equality matches value equality.
//
// Subscriptions use change streams with fullDocument lookup, which require
// a replica set or sharded cluster.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/steveyegge/tasksync/internal/docstore"
)

const (
	idKey  = "_id"
	revKey = "_rev"

	// codeBadValue is returned for $push/$pull on a non-array field.
	codeBadValue = 2
)

// Config holds connection settings.
type Config struct {
	URI        string
	Database   string
	Collection string

	// ConnectTimeout bounds Connect and the initial ping.
	ConnectTimeout time.Duration

	// Logger for store activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for a local server.
func DefaultConfig() *Config {
	return &Config{
		URI:            "mongodb://localhost:27017",
		Database:       "tasksync",
		Collection:     "documents",
		ConnectTimeout: 10 * time.Second,
		Logger:         log.New(os.Stderr, "[mongostore] ", log.LstdFlags),
	}
}

// Store implements docstore.Store on MongoDB.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *log.Logger
	hub    *docstore.Hub

	// mu orders initial reads against change stream publication and guards
	// watches.
	mu      sync.Mutex
	watches map[string]*watch
	closed  bool
	wg      sync.WaitGroup
}

type watch struct {
	refs   int
	cancel context.CancelFunc
}

// Connect dials the server, pings it and returns a store on the configured
// collection.
func Connect(ctx context.Context, config *Config) (*Store, error) {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.URI == "" {
		return nil, fmt.Errorf("mongo uri cannot be empty")
	}
	if config.Database == "" {
		config.Database = def.Database
	}
	if config.Collection == "" {
		config.Collection = def.Collection
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to mongo: %w", docstore.ErrUnavailable, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: failed to ping mongo: %w", docstore.ErrUnavailable, err)
	}

	s := New(client.Database(config.Database).Collection(config.Collection), config.Logger)
	s.client = client
	s.logger.Printf("Connected to %s/%s", config.Database, config.Collection)
	return s, nil
}

// New creates a store on an existing collection. Close does not disconnect
// the collection's client.
func New(coll *mongo.Collection, logger *log.Logger) *Store {
	if logger == nil {
		logger = DefaultConfig().Logger
	}
	return &Store{
		coll:    coll,
		logger:  logger,
		hub:     docstore.NewHub(logger),
		watches: make(map[string]*watch),
	}
}

// Subscribe implements docstore.Store.Subscribe. The change stream is
// opened before the initial read so no commit falls between them.
func (s *Store) Subscribe(ctx context.Context, key string, fn docstore.Listener) (docstore.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, docstore.ErrClosed
	}

	w, ok := s.watches[key]
	if !ok {
		stream, err := s.coll.Watch(ctx, keyPipeline(key), options.ChangeStream().SetFullDocument(options.UpdateLookup))
		if err != nil {
			return nil, classify("watch document", err)
		}
		wctx, cancel := context.WithCancel(context.Background())
		w = &watch{cancel: cancel}
		s.watches[key] = w
		s.wg.Add(1)
		go s.follow(wctx, key, stream)
	}

	snap, err := s.load(ctx, key)
	if err != nil {
		s.releaseLocked(key, w)
		return nil, err
	}
	unsub, err := s.hub.Add(key, fn, snap)
	if err != nil {
		s.releaseLocked(key, w)
		return nil, err
	}
	w.refs++

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			s.mu.Lock()
			if s.watches[key] == w {
				w.refs--
				s.releaseLocked(key, w)
			}
			s.mu.Unlock()
		})
	}, nil
}

// Read implements docstore.Store.Read.
func (s *Store) Read(ctx context.Context, key string) (docstore.Snapshot, error) {
	snap, err := s.load(ctx, key)
	if err != nil {
		return docstore.Snapshot{}, err
	}
	if !snap.Exists {
		return docstore.Snapshot{}, fmt.Errorf("%w: %s", docstore.ErrNotFound, key)
	}
	return snap, nil
}

// ArrayUnion implements docstore.Store.ArrayUnion.
func (s *Store) ArrayUnion(ctx context.Context, key, field string, element docstore.Element) error {
	doc, err := elementDoc(element)
	if err != nil {
		return err
	}
	filter := bson.D{{Key: idKey, Value: key}, {Key: field, Value: bson.D{{Key: "$ne", Value: doc}}}}
	update := bson.D{
		{Key: "$push", Value: bson.D{{Key: field, Value: doc}}},
		{Key: "$inc", Value: bson.D{{Key: revKey, Value: 1}}},
	}

	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return classify("append element", err)
	}
	if res.MatchedCount == 0 {
		// Either the element is already present or the document is missing.
		return s.requireExists(ctx, key)
	}
	return nil
}

// ArrayRemove implements docstore.Store.ArrayRemove.
func (s *Store) ArrayRemove(ctx context.Context, key, field string, element docstore.Element) (int, error) {
	norm, err := docstore.NormalizeElement(element)
	if err != nil {
		return 0, err
	}
	doc := toBSON(map[string]any(norm))
	filter := bson.D{{Key: idKey, Value: key}, {Key: field, Value: doc}}
	update := bson.D{
		{Key: "$pull", Value: bson.D{{Key: field, Value: doc}}},
		{Key: "$inc", Value: bson.D{{Key: revKey, Value: 1}}},
	}

	return s.updateCounting(ctx, key, field, filter, update, nil, func(e docstore.Element) bool {
		return docstore.Equal(e, norm)
	})
}

// Overwrite implements docstore.Store.Overwrite.
func (s *Store) Overwrite(ctx context.Context, key, field string, elements []docstore.Element) error {
	arr := bson.A{}
	for _, e := range elements {
		doc, err := elementDoc(e)
		if err != nil {
			return err
		}
		arr = append(arr, doc)
	}
	update := bson.D{
		{Key: "$set", Value: bson.D{{Key: field, Value: arr}}},
		{Key: "$inc", Value: bson.D{{Key: revKey, Value: 1}}},
	}

	res, err := s.coll.UpdateOne(ctx, bson.D{{Key: idKey, Value: key}}, update)
	if err != nil {
		return classify("overwrite field", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", docstore.ErrNotFound, key)
	}
	return nil
}

// RemoveByKey implements docstore.Store.RemoveByKey.
func (s *Store) RemoveByKey(ctx context.Context, key, field, idField, id string) (int, error) {
	filter := bson.D{{Key: idKey, Value: key}, {Key: field + "." + idField, Value: id}}
	update := bson.D{
		{Key: "$pull", Value: bson.D{{Key: field, Value: bson.D{{Key: idField, Value: id}}}}},
		{Key: "$inc", Value: bson.D{{Key: revKey, Value: 1}}},
	}

	return s.updateCounting(ctx, key, field, filter, update, nil, func(e docstore.Element) bool {
		return docstore.MatchesKey(e, idField, id)
	})
}

// UpdateByKey implements docstore.Store.UpdateByKey.
func (s *Store) UpdateByKey(ctx context.Context, key, field, idField, id string, changes map[string]any) (int, error) {
	norm, err := docstore.Normalize(changes)
	if err != nil {
		return 0, err
	}
	set := bson.D{}
	for _, k := range sortedKeys(norm) {
		set = append(set, bson.E{Key: field + ".$[el]." + k, Value: toBSON(norm[k])})
	}
	filter := bson.D{{Key: idKey, Value: key}, {Key: field + "." + idField, Value: id}}
	update := bson.D{
		{Key: "$set", Value: set},
		{Key: "$inc", Value: bson.D{{Key: revKey, Value: 1}}},
	}
	arrayFilters := &options.ArrayFilters{Filters: []interface{}{bson.D{{Key: "el." + idField, Value: id}}}}

	return s.updateCounting(ctx, key, field, filter, update, arrayFilters, func(e docstore.Element) bool {
		return docstore.MatchesKey(e, idField, id)
	})
}

// CreateDocument implements docstore.Store.CreateDocument.
func (s *Store) CreateDocument(ctx context.Context, key string, fields map[string]any) error {
	norm, err := docstore.Normalize(fields)
	if err != nil {
		return err
	}
	doc := bson.D{{Key: idKey, Value: key}, {Key: revKey, Value: int64(1)}}
	for _, k := range sortedKeys(norm) {
		if k == idKey || k == revKey {
			continue
		}
		doc = append(doc, bson.E{Key: k, Value: toBSON(norm[k])})
	}

	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", docstore.ErrAlreadyExists, key)
		}
		return classify("create document", err)
	}
	return nil
}

// Close ends all subscriptions and disconnects a client opened by Connect.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for key, w := range s.watches {
		w.cancel()
		delete(s.watches, key)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.hub.Close()

	if s.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.client.Disconnect(ctx); err != nil {
			return fmt.Errorf("failed to disconnect: %w", err)
		}
	}
	return nil
}

// follow publishes each change to key until ctx ends or the stream fails.
func (s *Store) follow(ctx context.Context, key string, stream *mongo.ChangeStream) {
	defer s.wg.Done()
	defer stream.Close(context.Background())

	for stream.Next(ctx) {
		var event struct {
			OperationType string `bson:"operationType"`
			FullDocument  bson.M `bson:"fullDocument"`
		}
		if err := stream.Decode(&event); err != nil {
			s.logger.Printf("Failed to decode change event for %s: %v", key, err)
			continue
		}

		s.mu.Lock()
		switch event.OperationType {
		case "delete":
			s.hub.Fail(key, fmt.Errorf("%w: %s was deleted", docstore.ErrNotFound, key))
		default:
			if event.FullDocument == nil {
				break
			}
			snap, err := decodeDocument(key, event.FullDocument)
			if err != nil {
				s.logger.Printf("Failed to decode %s: %v", key, err)
				break
			}
			s.hub.Publish(snap)
		}
		s.mu.Unlock()
	}

	if err := stream.Err(); err != nil && ctx.Err() == nil {
		s.logger.Printf("Change stream for %s ended: %v", key, err)
		s.mu.Lock()
		if w, ok := s.watches[key]; ok {
			delete(s.watches, key)
			w.cancel()
		}
		s.mu.Unlock()
		s.hub.Fail(key, classify("follow changes", err))
	}
}

func (s *Store) releaseLocked(key string, w *watch) {
	if w.refs > 0 {
		return
	}
	w.cancel()
	if s.watches[key] == w {
		delete(s.watches, key)
	}
}

func (s *Store) load(ctx context.Context, key string) (docstore.Snapshot, error) {
	var raw bson.M
	err := s.coll.FindOne(ctx, bson.D{{Key: idKey, Value: key}}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return docstore.Snapshot{Key: key}, nil
	}
	if err != nil {
		return docstore.Snapshot{}, classify("read document", err)
	}
	return decodeDocument(key, raw)
}

func (s *Store) requireExists(ctx context.Context, key string) error {
	n, err := s.coll.CountDocuments(ctx, bson.D{{Key: idKey, Value: key}}, options.Count().SetLimit(1))
	if err != nil {
		return classify("read document", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", docstore.ErrNotFound, key)
	}
	return nil
}

// updateCounting applies update to the document when filter matches and
// returns how many elements of field matched, counted on the pre-update
// document.
func (s *Store) updateCounting(ctx context.Context, key, field string, filter, update bson.D, arrayFilters *options.ArrayFilters, match func(docstore.Element) bool) (int, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	if arrayFilters != nil {
		opts.SetArrayFilters(*arrayFilters)
	}

	var before bson.M
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&before)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, s.requireExists(ctx, key)
	}
	if err != nil {
		return 0, classify("update document", err)
	}

	snap, err := decodeDocument(key, before)
	if err != nil {
		return 0, err
	}
	arr, err := snap.Array(field)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range arr {
		if match(e) {
			n++
		}
	}
	return n, nil
}

func keyPipeline(key string) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: key}}}},
	}
}

// decodeDocument converts a stored document into a snapshot.
func decodeDocument(key string, raw bson.M) (docstore.Snapshot, error) {
	fields := make(map[string]any, len(raw))
	var revision int64
	for k, v := range raw {
		switch k {
		case idKey:
		case revKey:
			revision = toInt64(v)
		default:
			fields[k] = fromBSON(v)
		}
	}
	norm, err := docstore.Normalize(fields)
	if err != nil {
		return docstore.Snapshot{}, fmt.Errorf("failed to decode document %s: %w", key, err)
	}
	return docstore.Snapshot{Key: key, Exists: true, Revision: revision, Fields: norm}, nil
}

func elementDoc(e docstore.Element) (bson.D, error) {
	norm, err := docstore.NormalizeElement(e)
	if err != nil {
		return nil, err
	}
	return toBSON(map[string]any(norm)).(bson.D), nil
}

// toBSON converts JSON-shaped values to BSON with object keys sorted.
func toBSON(v any) any {
	switch x := v.(type) {
	case map[string]any:
		d := make(bson.D, 0, len(x))
		for _, k := range sortedKeys(x) {
			d = append(d, bson.E{Key: k, Value: toBSON(x[k])})
		}
		return d
	case docstore.Element:
		return toBSON(map[string]any(x))
	case []any:
		a := make(bson.A, len(x))
		for i, item := range x {
			a[i] = toBSON(item)
		}
		return a
	default:
		return x
	}
}

// fromBSON converts decoded BSON values to JSON-shaped values.
func fromBSON(v any) any {
	switch x := v.(type) {
	case bson.D:
		m := make(map[string]any, len(x))
		for _, e := range x {
			m[e.Key] = fromBSON(e.Value)
		}
		return m
	case bson.M:
		m := make(map[string]any, len(x))
		for k, item := range x {
			m[k] = fromBSON(item)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, item := range x {
			m[k] = fromBSON(item)
		}
		return m
	case bson.A:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = fromBSON(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = fromBSON(item)
		}
		return out
	case primitive.DateTime:
		return x.Time().UTC().Format(time.RFC3339Nano)
	case primitive.ObjectID:
		return x.Hex()
	default:
		return x
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int32:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// classify maps driver errors onto docstore sentinels.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorCode(codeBadValue) {
		return fmt.Errorf("%w: failed to %s: %w", docstore.ErrFieldType, op, err)
	}
	return fmt.Errorf("%w: failed to %s: %w", docstore.ErrUnavailable, op, err)
}
