// Package mongo implements the profile lookup on MongoDB. Profiles are
// provisioned by the account service into a collection keyed by user id; this
// service only ever reads them. The letter date is stamped at read time so a
// run resumed on a later day carries that day's date.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"

	"github.com/openletter/writingdesk/runtime/orchestrator/profile"
)

const (
	defaultCollection = "writing_desk_profiles"
	defaultOpTimeout  = 5 * time.Second
)

type (
	// Options configures the Mongo profile lookup.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
		// Now supplies the letter date. Defaults to time.Now.
		Now func() time.Time
	}

	// Lookup is a Mongo-backed profile.Lookup.
	Lookup struct {
		coll    *mongodriver.Collection
		timeout time.Duration
		now     func() time.Time
	}

	document struct {
		UserID         string `bson:"user_id"`
		SenderName     string `bson:"sender_name"`
		SenderAddress1 string `bson:"sender_address_1"`
		SenderAddress2 string `bson:"sender_address_2,omitempty"`
		SenderAddress3 string `bson:"sender_address_3,omitempty"`
		SenderCity     string `bson:"sender_city"`
		SenderCounty   string `bson:"sender_county,omitempty"`
		SenderPostcode string `bson:"sender_postcode"`
		SenderPhone    string `bson:"sender_phone,omitempty"`

		MPName     string `bson:"mp_name"`
		MPAddress1 string `bson:"mp_address_1"`
		MPAddress2 string `bson:"mp_address_2,omitempty"`
		MPCity     string `bson:"mp_city"`
		MPCounty   string `bson:"mp_county,omitempty"`
		MPPostcode string `bson:"mp_postcode"`

		Constituency string `bson:"constituency,omitempty"`
	}
)

// New returns a Lookup reading profiles from MongoDB.
func New(opts Options) (*Lookup, error) {
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
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Lookup{
		coll:    opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
		now:     now,
	}, nil
}

// Get implements profile.Lookup.
func (l *Lookup) Get(ctx context.Context, userID string) (profile.Profile, error) {
	if userID == "" {
		return profile.Profile{}, errors.New("user id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var doc document
	if err := l.coll.FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return profile.Profile{}, profile.ErrNotFound
		}
		return profile.Profile{}, err
	}
	return doc.toProfile(l.now()), nil
}

func (doc document) toProfile(now time.Time) profile.Profile {
	return profile.Profile{
		SenderName:     doc.SenderName,
		SenderAddress1: doc.SenderAddress1,
		SenderAddress2: doc.SenderAddress2,
		SenderAddress3: doc.SenderAddress3,
		SenderCity:     doc.SenderCity,
		SenderCounty:   doc.SenderCounty,
		SenderPostcode: doc.SenderPostcode,
		SenderPhone:    doc.SenderPhone,

		MPName:     doc.MPName,
		MPAddress1: doc.MPAddress1,
		MPAddress2: doc.MPAddress2,
		MPCity:     doc.MPCity,
		MPCounty:   doc.MPCounty,
		MPPostcode: doc.MPPostcode,

		Constituency: doc.Constituency,
		Today:        letterDate(now),
	}
}

// letterDate formats a date the way letters are headed, without zero padding:
// "2 January 2006".
func letterDate(t time.Time) string {
	return t.Format("2 January 2006")
}
