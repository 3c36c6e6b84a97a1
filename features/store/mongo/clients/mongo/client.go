// Package mongo implements the low-level MongoDB client used by the durable
// engine store. One client serves every engine collection: downtime events,
// andon events and escalations, OEE calculations, audit records, and the
// production context history.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/linepulse/linepulse/engine/andon"
	"github.com/linepulse/linepulse/engine/audit"
	"github.com/linepulse/linepulse/engine/contextstore"
	"github.com/linepulse/linepulse/engine/downtime"
	"github.com/linepulse/linepulse/engine/oee"
)

type (
	// Client exposes Mongo-backed operations for the engine's durable state.
	Client interface {
		health.Pinger

		UpsertDowntime(ctx context.Context, e downtime.Event) error
		ListDowntime(ctx context.Context, f downtime.Filter) ([]downtime.Event, error)
		OpenDowntime(ctx context.Context) ([]downtime.Event, error)
		GetDowntime(ctx context.Context, id string) (downtime.Event, bool, error)

		UpsertAndon(ctx context.Context, e andon.Event) error
		GetAndon(ctx context.Context, id string) (andon.Event, bool, error)
		ListAndon(ctx context.Context, f andon.Filter) ([]andon.Event, error)
		ActiveAndon(ctx context.Context) ([]andon.Event, error)
		InsertEscalation(ctx context.Context, esc andon.Escalation) error

		InsertReading(ctx context.Context, r oee.Reading) error
		ListReadings(ctx context.Context, f oee.ReadingFilter) ([]oee.Reading, error)

		InsertAudit(ctx context.Context, rec audit.Record) error
		InsertContextHistory(ctx context.Context, t ContextTransition) error
	}

	// ContextTransition is one persisted context change.
	ContextTransition struct {
		When          time.Time            `bson:"when"`
		EquipmentCode string               `bson:"equipment_code"`
		Reason        string               `bson:"reason"`
		Before        contextstore.Context `bson:"before"`
		After         contextstore.Context `bson:"after"`
	}

	// Collections overrides the default collection names.
	Collections struct {
		Downtime       string
		Andon          string
		Escalations    string
		Readings       string
		Audit          string
		ContextHistory string
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client      *mongodriver.Client
		Database    string
		Collections Collections
		Timeout     time.Duration
	}

	client struct {
		mongo       *mongodriver.Client
		downtime    *mongodriver.Collection
		andon       *mongodriver.Collection
		escalations *mongodriver.Collection
		readings    *mongodriver.Collection
		audit       *mongodriver.Collection
		history     *mongodriver.Collection
		timeout     time.Duration
	}
)

const (
	defaultDowntimeCollection    = "downtime_events"
	defaultAndonCollection       = "andon_events"
	defaultEscalationsCollection = "andon_escalations"
	defaultReadingsCollection    = "oee_calculations"
	defaultAuditCollection       = "audit_records"
	defaultHistoryCollection     = "production_context_history"
	defaultTimeout               = 5 * time.Second
	clientName                   = "engine-mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	names := opts.Collections
	if names.Downtime == "" {
		names.Downtime = defaultDowntimeCollection
	}
	if names.Andon == "" {
		names.Andon = defaultAndonCollection
	}
	if names.Escalations == "" {
		names.Escalations = defaultEscalationsCollection
	}
	if names.Readings == "" {
		names.Readings = defaultReadingsCollection
	}
	if names.Audit == "" {
		names.Audit = defaultAuditCollection
	}
	if names.ContextHistory == "" {
		names.ContextHistory = defaultHistoryCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db := opts.Client.Database(opts.Database)
	c := &client{
		mongo:       opts.Client,
		downtime:    db.Collection(names.Downtime),
		andon:       db.Collection(names.Andon),
		escalations: db.Collection(names.Escalations),
		readings:    db.Collection(names.Readings),
		audit:       db.Collection(names.Audit),
		history:     db.Collection(names.ContextHistory),
		timeout:     timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) UpsertDowntime(ctx context.Context, e downtime.Event) error {
	if e.ID == "" {
		return errors.New("event id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.downtime.ReplaceOne(ctx, bson.M{"_id": e.ID}, e, options.Replace().SetUpsert(true))
	return err
}

func (c *client) ListDowntime(ctx context.Context, f downtime.Filter) ([]downtime.Event, error) {
	filter := bson.M{}
	if f.LineID != "" {
		filter["line_id"] = f.LineID
	}
	if f.EquipmentCode != "" {
		filter["equipment_code"] = f.EquipmentCode
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.Category != "" {
		filter["category"] = f.Category
	}
	if f.ReasonCode != "" {
		filter["reason_code"] = f.ReasonCode
	}
	if rng := timeRange(f.From, f.To); rng != nil {
		filter["start_time"] = rng
	}
	opt := options.Find().SetSort(bson.D{{Key: "start_time", Value: -1}})
	if f.Offset > 0 {
		opt.SetSkip(int64(f.Offset))
	}
	if f.Limit > 0 {
		opt.SetLimit(int64(f.Limit))
	}
	tctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return findAll[downtime.Event](tctx, c.downtime, filter, opt)
}

func (c *client) OpenDowntime(ctx context.Context) ([]downtime.Event, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	opt := options.Find().SetSort(bson.D{{Key: "start_time", Value: 1}})
	return findAll[downtime.Event](ctx, c.downtime, bson.M{"status": downtime.StatusOpen}, opt)
}

func (c *client) GetDowntime(ctx context.Context, id string) (downtime.Event, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return findOne[downtime.Event](ctx, c.downtime, id)
}

func (c *client) UpsertAndon(ctx context.Context, e andon.Event) error {
	if e.ID == "" {
		return errors.New("event id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.andon.ReplaceOne(ctx, bson.M{"_id": e.ID}, e, options.Replace().SetUpsert(true))
	return err
}

func (c *client) GetAndon(ctx context.Context, id string) (andon.Event, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return findOne[andon.Event](ctx, c.andon, id)
}

func (c *client) ListAndon(ctx context.Context, f andon.Filter) ([]andon.Event, error) {
	filter := bson.M{}
	if f.LineID != "" {
		filter["line_id"] = f.LineID
	}
	if f.EquipmentCode != "" {
		filter["equipment_code"] = f.EquipmentCode
	}
	if f.EventType != "" {
		filter["event_type"] = f.EventType
	}
	if f.Priority != "" {
		filter["priority"] = f.Priority
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if rng := timeRange(f.From, f.To); rng != nil {
		filter["reported_at"] = rng
	}
	opt := options.Find().SetSort(bson.D{{Key: "reported_at", Value: -1}})
	if f.Offset > 0 {
		opt.SetSkip(int64(f.Offset))
	}
	if f.Limit > 0 {
		opt.SetLimit(int64(f.Limit))
	}
	tctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return findAll[andon.Event](tctx, c.andon, filter, opt)
}

func (c *client) ActiveAndon(ctx context.Context) ([]andon.Event, error) {
	opt := options.Find().SetSort(bson.D{{Key: "reported_at", Value: 1}})
	filter := bson.M{"status": bson.M{"$ne": andon.StatusResolved}}
	tctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return findAll[andon.Event](tctx, c.andon, filter, opt)
}

func (c *client) InsertEscalation(ctx context.Context, esc andon.Escalation) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.escalations.InsertOne(ctx, esc)
	return err
}

func (c *client) InsertReading(ctx context.Context, r oee.Reading) error {
	if r.ID == "" {
		return errors.New("reading id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.readings.InsertOne(ctx, r)
	return err
}

func (c *client) ListReadings(ctx context.Context, f oee.ReadingFilter) ([]oee.Reading, error) {
	filter := bson.M{}
	if f.LineID != "" {
		filter["line_id"] = f.LineID
	}
	if f.EquipmentCode != "" {
		filter["equipment_code"] = f.EquipmentCode
	}
	if rng := timeRange(f.From, f.To); rng != nil {
		filter["calculation_time"] = rng
	}
	opt := options.Find().SetSort(bson.D{{Key: "calculation_time", Value: 1}})
	if f.Limit > 0 {
		opt.SetLimit(int64(f.Limit))
	}
	tctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return findAll[oee.Reading](tctx, c.readings, filter, opt)
}

func (c *client) InsertAudit(ctx context.Context, rec audit.Record) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.audit.InsertOne(ctx, rec)
	return err
}

func (c *client) InsertContextHistory(ctx context.Context, t ContextTransition) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.history.InsertOne(ctx, t)
	return err
}

func (c *client) ensureIndexes(ctx context.Context) error {
	indexes := []struct {
		coll   *mongodriver.Collection
		models []mongodriver.IndexModel
	}{
		{c.downtime, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "equipment_code", Value: 1}, {Key: "start_time", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}}},
		}},
		{c.andon, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "line_id", Value: 1}, {Key: "reported_at", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}}},
		}},
		{c.escalations, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "event_id", Value: 1}, {Key: "at", Value: 1}}},
		}},
		{c.readings, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "equipment_code", Value: 1}, {Key: "calculation_time", Value: 1}}},
		}},
		{c.audit, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "when", Value: -1}}},
		}},
		{c.history, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "equipment_code", Value: 1}, {Key: "when", Value: -1}}},
		}},
	}
	for _, ix := range indexes {
		if _, err := ix.coll.Indexes().CreateMany(ctx, ix.models); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func timeRange(from, to time.Time) bson.M {
	rng := bson.M{}
	if !from.IsZero() {
		rng["$gte"] = from
	}
	if !to.IsZero() {
		rng["$lt"] = to
	}
	if len(rng) == 0 {
		return nil
	}
	return rng
}

func findAll[T any](ctx context.Context, coll *mongodriver.Collection, filter bson.M, opt *options.FindOptions) (out []T, err error) {
	cur, err := coll.Find(ctx, filter, opt)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for cur.Next(ctx) {
		var doc T
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func findOne[T any](ctx context.Context, coll *mongodriver.Collection, id string) (T, bool, error) {
	var doc T
	err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return doc, false, nil
	}
	if err != nil {
		return doc, false, err
	}
	return doc, true, nil
}
