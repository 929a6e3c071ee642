// Package mongo provides a MongoDB-backed batch store. Batch id uniqueness is
// enforced by a unique index; updates use optimistic concurrency on the
// document revision so that concurrent transitions on one batch linearize.
package mongo

import (
	"agritrace/pkg/domain"
	"agritrace/pkg/tokenid"
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.BatchStore = (*Store)(nil)

const (
	defaultDatabase   = "agritrace"
	defaultCollection = "batches"
	maxUpdateAttempts = 8
)

// Store implements domain.BatchStore on a MongoDB collection.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	engine *domain.RulesEngine
	nowFn  func() time.Time
}

// NewStore connects to uri, ensures indexes, and returns a store on database.batches.
func NewStore(ctx context.Context, uri, database string, engine *domain.RulesEngine) (*Store, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongo uri is required")
	}
	if database == "" {
		database = defaultDatabase
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := &Store{
		client: client,
		coll:   client.Database(database).Collection(defaultCollection),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "batchId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "farmer", Value: 1}}},
		{Keys: bson.D{{Key: "certifier", Value: 1}}},
		{Keys: bson.D{{Key: "retailer", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: -1}}},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

type historyDocument struct {
	From      string    `bson:"from"`
	To        string    `bson:"to"`
	Timestamp time.Time `bson:"timestamp"`
	Action    string    `bson:"action"`
}

type batchDocument struct {
	BatchID     string            `bson:"batchId"`
	TokenID     string            `bson:"tokenId"`
	CropName    string            `bson:"cropName"`
	CropVariety string            `bson:"cropVariety"`
	Location    string            `bson:"location"`
	HarvestDate time.Time         `bson:"harvestDate"`
	Farmer      string            `bson:"farmer,omitempty"`
	Certifier   string            `bson:"certifier,omitempty"`
	Retailer    string            `bson:"retailer,omitempty"`
	Status      string            `bson:"status"`
	CropHealth  string            `bson:"cropHealth,omitempty"`
	Expiry      *time.Time        `bson:"expiry,omitempty"`
	LabResults  *bool             `bson:"labResults,omitempty"`
	Price       string            `bson:"price"`
	CreatedAt   time.Time         `bson:"createdAt"`
	CertifiedAt *time.Time        `bson:"certifiedAt,omitempty"`
	PurchasedAt *time.Time        `bson:"purchasedAt,omitempty"`
	UpdatedAt   time.Time         `bson:"updatedAt"`
	Revision    int64             `bson:"revision"`
	History     []historyDocument `bson:"history"`
}

func toDocument(b domain.Batch) batchDocument {
	doc := batchDocument{
		BatchID:     b.BatchID,
		TokenID:     b.TokenID.Hex(),
		CropName:    b.CropName,
		CropVariety: b.CropVariety,
		Location:    b.Location,
		HarvestDate: b.HarvestDate,
		Farmer:      b.Farmer,
		Certifier:   b.Certifier,
		Retailer:    b.Retailer,
		Status:      string(b.Status),
		CropHealth:  b.CropHealth,
		Expiry:      b.Expiry,
		LabResults:  b.LabResults,
		CreatedAt:   b.CreatedAt,
		CertifiedAt: b.CertifiedAt,
		PurchasedAt: b.PurchasedAt,
		UpdatedAt:   b.UpdatedAt,
		Revision:    b.Revision,
		History:     make([]historyDocument, 0, len(b.History)),
	}
	if b.Price != nil {
		doc.Price = b.Price.String()
	}
	for _, h := range b.History {
		doc.History = append(doc.History, historyDocument{From: h.From, To: h.To, Timestamp: h.Timestamp, Action: string(h.Action)})
	}
	return doc
}

func fromDocument(doc batchDocument) (domain.Batch, error) {
	id, err := tokenid.Parse(doc.TokenID)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("decode token id of %s: %w", doc.BatchID, err)
	}
	b := domain.Batch{
		BatchID:     doc.BatchID,
		TokenID:     id,
		CropName:    doc.CropName,
		CropVariety: doc.CropVariety,
		Location:    doc.Location,
		HarvestDate: doc.HarvestDate.UTC(),
		Farmer:      doc.Farmer,
		Certifier:   doc.Certifier,
		Retailer:    doc.Retailer,
		Status:      domain.Status(doc.Status),
		CropHealth:  doc.CropHealth,
		Expiry:      utcPtr(doc.Expiry),
		LabResults:  doc.LabResults,
		CreatedAt:   doc.CreatedAt.UTC(),
		CertifiedAt: utcPtr(doc.CertifiedAt),
		PurchasedAt: utcPtr(doc.PurchasedAt),
		UpdatedAt:   doc.UpdatedAt.UTC(),
		Revision:    doc.Revision,
	}
	if doc.Price != "" {
		price, ok := new(big.Int).SetString(doc.Price, 10)
		if !ok {
			return domain.Batch{}, fmt.Errorf("decode price of %s: %q", doc.BatchID, doc.Price)
		}
		b.Price = price
	}
	for _, h := range doc.History {
		b.History = append(b.History, domain.HistoryEntry{From: h.From, To: h.To, Timestamp: h.Timestamp.UTC(), Action: domain.Action(h.Action)})
	}
	return b, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// ruleView resolves batches for rule evaluation, preferring the pending write.
type ruleView struct {
	ctx     context.Context
	store   *Store
	pending domain.Batch
}

func (v ruleView) FindBatch(id string) (domain.Batch, bool) {
	if id == v.pending.BatchID {
		return v.pending.Clone(), true
	}
	b, err := v.store.Get(v.ctx, id)
	if err != nil {
		return domain.Batch{}, false
	}
	return b, true
}

func (s *Store) check(ctx context.Context, change domain.Change) error {
	view := ruleView{ctx: ctx, store: s, pending: *change.After}
	if _, err := s.engine.Check(ctx, view, []domain.Change{change}); err != nil {
		return domain.Errorf(domain.CodeIllegalTransition, "batch %s: %w", change.After.BatchID, err)
	}
	return nil
}

// Insert relies on the unique batchId index to reject duplicates.
func (s *Store) Insert(ctx context.Context, batch domain.Batch) (domain.Batch, error) {
	if strings.TrimSpace(batch.BatchID) == "" {
		return domain.Batch{}, domain.Errorf(domain.CodeInvalidInput, "batch id is required")
	}
	created := batch.Clone()
	now := s.nowFn()
	if created.CreatedAt.IsZero() {
		created.CreatedAt = now
	}
	created.UpdatedAt = now
	created.Revision = 1
	if err := s.check(ctx, domain.Change{Entity: domain.EntityBatch, Action: domain.ChangeCreate, After: &created}); err != nil {
		return domain.Batch{}, err
	}
	if _, err := s.coll.InsertOne(ctx, toDocument(created)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.Batch{}, domain.Errorf(domain.CodeDuplicateBatch, "batch %s already exists", batch.BatchID)
		}
		return domain.Batch{}, domain.Errorf(domain.CodeInternal, "insert batch %s: %w", batch.BatchID, err)
	}
	return created, nil
}

// Get loads one batch by id.
func (s *Store) Get(ctx context.Context, batchID string) (domain.Batch, error) {
	var doc batchDocument
	err := s.coll.FindOne(ctx, bson.D{{Key: "batchId", Value: batchID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Batch{}, domain.Errorf(domain.CodeNotFound, "batch %s not found", batchID)
	}
	if err != nil {
		return domain.Batch{}, domain.Errorf(domain.CodeInternal, "load batch %s: %w", batchID, err)
	}
	b, err := fromDocument(doc)
	if err != nil {
		return domain.Batch{}, domain.Errorf(domain.CodeInternal, "%w", err)
	}
	return b, nil
}

// UpdateFields replaces the document only if its revision is unchanged since it
// was read, retrying from a fresh read on conflict.
func (s *Store) UpdateFields(ctx context.Context, batchID string, update domain.BatchUpdate, entry *domain.HistoryEntry) (domain.Batch, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		before, err := s.Get(ctx, batchID)
		if err != nil {
			return domain.Batch{}, err
		}
		after, err := domain.ApplyUpdate(before, update, entry, s.nowFn())
		if err != nil {
			return domain.Batch{}, err
		}
		if err := s.check(ctx, domain.Change{Entity: domain.EntityBatch, Action: domain.ChangeUpdate, Before: &before, After: &after}); err != nil {
			return domain.Batch{}, err
		}
		filter := bson.D{{Key: "batchId", Value: batchID}, {Key: "revision", Value: before.Revision}}
		res, err := s.coll.ReplaceOne(ctx, filter, toDocument(after))
		if err != nil {
			return domain.Batch{}, domain.Errorf(domain.CodeInternal, "update batch %s: %w", batchID, err)
		}
		if res.MatchedCount == 1 {
			return after, nil
		}
	}
	return domain.Batch{}, domain.Errorf(domain.CodeInternal, "update batch %s: too many concurrent writers", batchID)
}

var sortNewest = bson.D{{Key: "createdAt", Value: -1}, {Key: "batchId", Value: 1}}

func (s *Store) find(ctx context.Context, filter any, sort bson.D) ([]domain.Batch, error) {
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return nil, domain.Errorf(domain.CodeInternal, "find batches: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var docs []batchDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, domain.Errorf(domain.CodeInternal, "decode batches: %w", err)
	}
	out := make([]domain.Batch, 0, len(docs))
	for _, doc := range docs {
		b, err := fromDocument(doc)
		if err != nil {
			return nil, domain.Errorf(domain.CodeInternal, "%w", err)
		}
		out = append(out, b)
	}
	return out, nil
}

// ListByIndex filters on the indexed field, newest first.
func (s *Store) ListByIndex(ctx context.Context, index domain.IndexName, value string) ([]domain.Batch, error) {
	if !index.Valid() {
		return nil, domain.Errorf(domain.CodeInvalidInput, "unknown index %q", index)
	}
	if value == "" {
		return []domain.Batch{}, nil
	}
	return s.find(ctx, bson.D{{Key: string(index), Value: value}}, sortNewest)
}

// Search matches the free-text fields with a case-insensitive literal pattern.
func (s *Store) Search(ctx context.Context, text string) ([]domain.Batch, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []domain.Batch{}, nil
	}
	pattern := bson.D{{Key: "$regex", Value: regexp.QuoteMeta(text)}, {Key: "$options", Value: "i"}}
	filter := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "cropName", Value: pattern}},
		bson.D{{Key: "cropVariety", Value: pattern}},
		bson.D{{Key: "location", Value: pattern}},
	}}}
	return s.find(ctx, filter, sortNewest)
}

// ListAll returns every batch in the requested order.
func (s *Store) ListAll(ctx context.Context, order domain.SortOrder) ([]domain.Batch, error) {
	switch order {
	case "", domain.SortNewestFirst:
		return s.find(ctx, bson.D{}, sortNewest)
	case domain.SortOldestFirst:
		return s.find(ctx, bson.D{}, bson.D{{Key: "createdAt", Value: 1}, {Key: "batchId", Value: 1}})
	default:
		return nil, domain.Errorf(domain.CodeInvalidInput, "unknown sort order %q", order)
	}
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
