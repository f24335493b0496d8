// Package mongo implements the job store on MongoDB. Each user has at most
// one active job document; writes are partial $set upserts so concurrent
// phase updates (research finishing while a letter starts) never clobber each
// other's fields.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/openletter/writingdesk/runtime/orchestrator/job"
)

const (
	defaultCollection = "writing_desk_jobs"
	defaultOpTimeout  = 5 * time.Second
	storeClientName   = "job-mongo"
)

type (
	// Options configures the Mongo job store.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	// Store is a Mongo-backed job.Store.
	Store struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	document struct {
		UserID            string   `bson:"user_id"`
		JobID             string   `bson:"job_id"`
		Phase             string   `bson:"phase"`
		IssueDescription  string   `bson:"issue_description"`
		FollowUpQuestions []string `bson:"follow_up_questions"`
		FollowUpAnswers   []string `bson:"follow_up_answers"`
		Notes             string   `bson:"notes,omitempty"`

		ResearchStatus     job.Status `bson:"research_status"`
		ResearchContent    string     `bson:"research_content,omitempty"`
		ResearchResponseID string     `bson:"research_response_id,omitempty"`

		LetterStatus     job.Status `bson:"letter_status"`
		LetterTone       string     `bson:"letter_tone,omitempty"`
		LetterContent    string     `bson:"letter_content,omitempty"`
		LetterReferences []string   `bson:"letter_references,omitempty"`
		LetterResponseID string     `bson:"letter_response_id,omitempty"`
		LetterJSON       string     `bson:"letter_json,omitempty"`

		CreatedAt time.Time `bson:"created_at"`
		UpdatedAt time.Time `bson:"updated_at"`
	}
)

// New returns a Store backed by MongoDB and ensures its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
		return nil, err
	}
	return &Store{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeClientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Get implements job.Store.
func (s *Store) Get(ctx context.Context, userID string) (job.Snapshot, error) {
	if userID == "" {
		return job.Snapshot{}, errors.New("user id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc document
	if err := s.coll.FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return job.Snapshot{}, job.ErrNotFound
		}
		return job.Snapshot{}, err
	}
	return doc.toSnapshot(), nil
}

// Upsert implements job.Store. Only the patched fields are written.
func (s *Store) Upsert(ctx context.Context, userID string, p job.Patch) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	now := time.Now().UTC()
	set := bson.M{"updated_at": now}
	applyPatch(set, p)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"user_id":    userID,
			"created_at": now,
		},
	}
	_, err := s.coll.UpdateOne(ctx, bson.M{"user_id": userID}, update, options.Update().SetUpsert(true))
	return err
}

func applyPatch(set bson.M, p job.Patch) {
	if p.Phase != nil {
		set["phase"] = *p.Phase
	}
	if p.ResearchStatus != nil {
		set["research_status"] = *p.ResearchStatus
	}
	if p.ResearchContent != nil {
		set["research_content"] = *p.ResearchContent
	}
	if p.ResearchResponseID != nil {
		set["research_response_id"] = *p.ResearchResponseID
	}
	if p.LetterStatus != nil {
		set["letter_status"] = *p.LetterStatus
	}
	if p.LetterTone != nil {
		set["letter_tone"] = *p.LetterTone
	}
	if p.LetterContent != nil {
		set["letter_content"] = *p.LetterContent
	}
	if p.LetterReferences != nil {
		set["letter_references"] = *p.LetterReferences
	}
	if p.LetterResponseID != nil {
		set["letter_response_id"] = *p.LetterResponseID
	}
	if p.LetterJSON != nil {
		set["letter_json"] = *p.LetterJSON
	}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (doc document) toSnapshot() job.Snapshot {
	return job.Snapshot{
		JobID:             doc.JobID,
		Phase:             doc.Phase,
		IssueDescription:  doc.IssueDescription,
		FollowUpQuestions: doc.FollowUpQuestions,
		FollowUpAnswers:   doc.FollowUpAnswers,
		Notes:             doc.Notes,

		ResearchStatus:     doc.ResearchStatus,
		ResearchContent:    doc.ResearchContent,
		ResearchResponseID: doc.ResearchResponseID,

		LetterStatus:     doc.LetterStatus,
		LetterTone:       doc.LetterTone,
		LetterContent:    doc.LetterContent,
		LetterReferences: doc.LetterReferences,
		LetterResponseID: doc.LetterResponseID,
		LetterJSON:       doc.LetterJSON,
	}
}
