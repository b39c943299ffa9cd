package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// CurrentDataVersion is stamped into every new Document and bumped when the
// on-disk record shape changes. See store.migrateDocument.
const CurrentDataVersion = 1

// Final categories assigned by the triage pipeline. Anything else is
// bucketed as CategoryUnknown by CategoryCounts.
const (
	CategoryMeeting       = "meeting"
	CategoryNeedsReview   = "needs_review"
	CategoryNotActionable = "not_actionable"
	CategoryNotMeeting    = "not_meeting"
	CategoryUnknown       = "unknown"
)

var ErrInvalidInput = errors.New("invalid record input")

// Record is one processed-email entry. Records are immutable once written;
// the store appends and prunes but never updates in place.
type Record struct {
	ID              string         `json:"id"`
	MessageID       string         `json:"message_id"`
	ThreadID        string         `json:"thread_id,omitempty"`
	ThreadMessages  []string       `json:"thread_messages,omitempty"`
	Timestamp       string         `json:"timestamp"`
	Processed       bool           `json:"processed"`
	MessageHash     string         `json:"message_hash"`
	Checksum        string         `json:"checksum"`
	AnalysisResults map[string]any `json:"analysis_results,omitempty"`
}

// Metadata tracks maintenance state for a store. Timestamps are RFC3339
// strings; LastBackup stays empty until the first snapshot is taken.
type Metadata struct {
	LastCleanup     string `json:"last_cleanup"`
	LastKeyRotation string `json:"last_key_rotation"`
	LastBackup      string `json:"last_backup,omitempty"`
	DataVersion     int    `json:"data_version"`
}

// Document is the unit of encryption: the full record set plus metadata,
// serialized and encrypted as one blob.
type Document struct {
	Records  []Record `json:"records"`
	Metadata Metadata `json:"metadata"`
}

// NewDocument returns an empty Document with maintenance timestamps set to
// now, so a fresh store does not immediately trigger cleanup or rotation.
func NewDocument() *Document {
	now := NowISO()
	return &Document{
		Records: []Record{},
		Metadata: Metadata{
			LastCleanup:     now,
			LastKeyRotation: now,
			DataVersion:     CurrentDataVersion,
		},
	}
}

// NowISO returns the current UTC time as an RFC3339 string with sub-second
// precision. All timestamps handled by the store use this format.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ParseISO parses a timestamp produced by NowISO (or any RFC3339 string).
func ParseISO(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// RecordInput is the payload handed to the store by the triage pipeline.
// MessageID is required; everything else is optional.
type RecordInput struct {
	MessageID       string         `json:"message_id"`
	ThreadID        string         `json:"thread_id,omitempty"`
	ThreadMessages  []string       `json:"thread_messages,omitempty"`
	Subject         string         `json:"subject,omitempty"`
	Sender          string         `json:"sender,omitempty"`
	Recipients      []string       `json:"recipients,omitempty"`
	Timestamp       string         `json:"timestamp,omitempty"`
	AnalysisResults map[string]any `json:"analysis_results,omitempty"`
}

// Validate checks the input before any side effect happens.
func (in *RecordInput) Validate() error {
	if in == nil {
		return fmt.Errorf("%w: nil input", ErrInvalidInput)
	}
	if strings.TrimSpace(in.MessageID) == "" {
		return fmt.Errorf("%w: message_id is required", ErrInvalidInput)
	}
	if in.Timestamp != "" {
		if _, err := ParseISO(in.Timestamp); err != nil {
			return fmt.Errorf("%w: bad timestamp %q", ErrInvalidInput, in.Timestamp)
		}
	}
	return nil
}

// BuildRecord derives the stored Record from a validated input. The id,
// message hash and checksum are deterministic for a given input, so a
// replayed input produces an identical record.
func (in *RecordInput) BuildRecord() Record {
	ts := in.Timestamp
	if ts == "" {
		ts = NowISO()
	}
	return Record{
		ID:              RecordID(ts, in.MessageID),
		MessageID:       in.MessageID,
		ThreadID:        in.ThreadID,
		ThreadMessages:  append([]string(nil), in.ThreadMessages...),
		Timestamp:       ts,
		Processed:       true,
		MessageHash:     MessageHash(in.Subject, in.Sender, in.Recipients, in.ThreadID),
		Checksum:        in.Checksum(),
		AnalysisResults: in.AnalysisResults,
	}
}

// RecordID derives the 32-hex-char record id from the creation timestamp
// and the message id. Non-reversible, stable per (timestamp, message_id).
func RecordID(timestamp, messageID string) string {
	sum := sha256.Sum256([]byte(timestamp + messageID))
	return hex.EncodeToString(sum[:])[:32]
}

// MessageHash digests subject, sender, the sorted recipient list and the
// thread id. Reserved for fuzzy dedup; nothing reads it yet.
func MessageHash(subject, sender string, recipients []string, threadID string) string {
	rs := append([]string(nil), recipients...)
	sort.Strings(rs)
	sum := sha256.Sum256([]byte(subject + sender + strings.Join(rs, ",") + threadID))
	return hex.EncodeToString(sum[:])
}

// Checksum digests the canonical form of the full input: a JSON object with
// sorted keys, empty fields omitted. Used for tamper detection on verify.
func (in *RecordInput) Checksum() string {
	m := map[string]any{"message_id": in.MessageID}
	if in.ThreadID != "" {
		m["thread_id"] = in.ThreadID
	}
	if len(in.ThreadMessages) > 0 {
		m["thread_messages"] = in.ThreadMessages
	}
	if in.Subject != "" {
		m["subject"] = in.Subject
	}
	if in.Sender != "" {
		m["sender"] = in.Sender
	}
	if len(in.Recipients) > 0 {
		m["recipients"] = in.Recipients
	}
	if in.Timestamp != "" {
		m["timestamp"] = in.Timestamp
	}
	if len(in.AnalysisResults) > 0 {
		m["analysis_results"] = in.AnalysisResults
	}
	// encoding/json sorts map keys, which gives us the canonical form
	b, err := json.Marshal(m)
	if err != nil {
		b = []byte(in.MessageID)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// FinalCategory extracts analysis_results.final_category, or "" when the
// payload does not carry one.
func (r *Record) FinalCategory() string {
	if r.AnalysisResults == nil {
		return ""
	}
	if v, ok := r.AnalysisResults["final_category"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// KnownCategory reports whether c is one of the fixed triage buckets.
func KnownCategory(c string) bool {
	switch c {
	case CategoryMeeting, CategoryNeedsReview, CategoryNotActionable, CategoryNotMeeting:
		return true
	}
	return false
}

// CategoryBuckets returns a zeroed count map over the fixed bucket set.
func CategoryBuckets() map[string]int {
	return map[string]int{
		CategoryMeeting:       0,
		CategoryNeedsReview:   0,
		CategoryNotActionable: 0,
		CategoryNotMeeting:    0,
		CategoryUnknown:       0,
	}
}

// Validate checks a Document before it is written.
func (d *Document) Validate() error {
	if d == nil {
		return errors.New("nil document")
	}
	if d.Records == nil {
		return errors.New("records must be a list")
	}
	if d.Metadata.LastCleanup == "" || d.Metadata.LastKeyRotation == "" {
		return errors.New("metadata missing maintenance timestamps")
	}
	if d.Metadata.DataVersion <= 0 {
		return errors.New("metadata missing data_version")
	}
	return nil
}

// Marshal serializes the Document for encryption.
func (d *Document) Marshal() ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("serialize document: %w", err)
	}
	return b, nil
}

// ParseDocument validates the structural shape of a decrypted plaintext and
// unmarshals it. Shape errors are treated by callers exactly like a failed
// decryption.
func ParseDocument(raw []byte) (*Document, error) {
	var shim struct {
		Records  json.RawMessage `json:"records"`
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &shim); err != nil {
		return nil, fmt.Errorf("document not an object: %w", err)
	}
	rec := strings.TrimSpace(string(shim.Records))
	if rec == "" || rec == "null" || rec[0] != '[' {
		return nil, errors.New("records must be a list")
	}
	var meta map[string]json.RawMessage
	if err := json.Unmarshal(shim.Metadata, &meta); err != nil {
		return nil, fmt.Errorf("metadata not an object: %w", err)
	}
	for _, k := range []string{"last_cleanup", "last_key_rotation", "data_version"} {
		if _, ok := meta[k]; !ok {
			return nil, fmt.Errorf("metadata missing field %s", k)
		}
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc.Records == nil {
		doc.Records = []Record{}
	}
	return &doc, nil
}
