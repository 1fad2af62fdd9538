package model

import (
	"fmt"
	"maps"
	"time"
)

// Kind identifies how a consumer interprets a task's properties.
type Kind string

const (
	KindNoop         Kind = "noop"
	KindDup          Kind = "dup"
	KindBit          Kind = "bit"
	KindAudit        Kind = "audit"
	KindBitReport    Kind = "bitreport"
	KindStorageStats Kind = "storagestats"
)

var kinds = map[Kind]bool{
	KindNoop:         true,
	KindDup:          true,
	KindBit:          true,
	KindAudit:        true,
	KindBitReport:    true,
	KindStorageStats: true,
}

// Valid reports whether k is one of the known task kinds.
func (k Kind) Valid() bool {
	return kinds[k]
}

// ParseKind returns the Kind named by s.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown task kind %q", s)
	}
	return k, nil
}

// Task is a unit of work carried through the queue. LeaseToken, DeliveryID
// and ReceiveCount are only set on a task returned by Take.
type Task struct {
	Kind              Kind              `json:"kind"`
	Properties        map[string]string `json:"properties,omitempty"`
	Attempts          int               `json:"attempts"`
	VisibilityTimeout time.Duration     `json:"-"`

	LeaseToken   string `json:"-"`
	DeliveryID   string `json:"-"`
	ReceiveCount int    `json:"-"`
}

// NewTask builds an unleased task of the given kind.
func NewTask(kind Kind, props map[string]string) *Task {
	t := &Task{Kind: kind, Properties: map[string]string{}}
	maps.Copy(t.Properties, props)
	return t
}

func (t *Task) Property(key string) string {
	return t.Properties[key]
}

func (t *Task) SetProperty(key, value string) {
	if t.Properties == nil {
		t.Properties = map[string]string{}
	}
	t.Properties[key] = value
}

// Leased reports whether the task carries lease metadata.
func (t *Task) Leased() bool {
	return t.LeaseToken != ""
}

// Unleased returns a copy of t with its lease metadata cleared.
func (t *Task) Unleased() *Task {
	c := &Task{
		Kind:       t.Kind,
		Properties: make(map[string]string, len(t.Properties)),
		Attempts:   t.Attempts,
	}
	maps.Copy(c.Properties, t.Properties)
	return c
}

func (t *Task) String() string {
	return fmt.Sprintf("Task{kind=%s attempts=%d delivery=%s props=%v}", t.Kind, t.Attempts, t.DeliveryID, t.Properties)
}

// ManifestItem is the last known state of one content item in a space.
type ManifestItem struct {
	Account         string    `json:"account"`
	StoreID         string    `json:"storeId"`
	SpaceID         string    `json:"spaceId"`
	ContentID       string    `json:"contentId"`
	ContentChecksum string    `json:"contentChecksum"`
	ContentMimetype string    `json:"contentMimetype"`
	ContentSize     string    `json:"contentSize"`
	Modified        time.Time `json:"modified"`
	Deleted         bool      `json:"deleted"`
}

// ManifestKey addresses a single manifest item.
type ManifestKey struct {
	Account   string
	StoreID   string
	SpaceID   string
	ContentID string
}

func (i ManifestItem) Key() ManifestKey {
	return ManifestKey{Account: i.Account, StoreID: i.StoreID, SpaceID: i.SpaceID, ContentID: i.ContentID}
}

func (k ManifestKey) String() string {
	return k.Account + "/" + k.StoreID + "/" + k.SpaceID + "/" + k.ContentID
}
