package notifications

import (
	"fmt"

	"github.com/conclav/conclav-notify/internal/domain"
)

// GroupKey identifies entries that are delivered together.
type GroupKey struct {
	RecipientID string
	NetworkID   string
	Type        domain.NotificationType
}

func (k GroupKey) String() string {
	return fmt.Sprintf("%s_%s_%s", k.RecipientID, k.NetworkID, k.Type)
}

// DispatchGroup holds entries sharing recipient, network and type, in fetch order.
type DispatchGroup struct {
	Key       GroupKey
	Recipient domain.Recipient
	Network   domain.Network
	Type      domain.NotificationType
	Entries   []*QueueEntry
}

// IDs returns the ids of every entry in the group.
func (g *DispatchGroup) IDs() []string {
	return entryIDs(g.Entries)
}

// SenderBucket holds the direct messages of one sender within a group.
type SenderBucket struct {
	SenderKey  string
	SenderName string
	SenderID   string
	Entries    []*QueueEntry
}

// DispatchUnit is what becomes one outbound email.
type DispatchUnit struct {
	Group   *DispatchGroup
	Entries []*QueueEntry
	// Sender is set for direct message units.
	Sender *SenderBucket
}

// IDs returns the ids of the entries delivered by the unit.
func (u DispatchUnit) IDs() []string {
	return entryIDs(u.Entries)
}

// GroupEntries partitions entries by (recipient, network, type). Entries whose
// recipient has no email address are returned as skipped. Groups are ordered
// by the first appearance of their key.
func GroupEntries(entries []*QueueEntry) (groups []*DispatchGroup, skipped []*QueueEntry) {
	index := make(map[GroupKey]*DispatchGroup)

	for _, e := range entries {
		if !e.Recipient.HasEmail() {
			skipped = append(skipped, e)
			continue
		}

		key := GroupKey{
			RecipientID: e.RecipientID,
			NetworkID:   e.NetworkKey(),
			Type:        e.Type,
		}

		g, ok := index[key]
		if !ok {
			g = &DispatchGroup{
				Key:       key,
				Recipient: e.Recipient,
				Network:   e.Network,
				Type:      e.Type,
			}
			index[key] = g
			groups = append(groups, g)
		}
		g.Entries = append(g.Entries, e)
	}

	return groups, skipped
}

// BucketBySender splits a group's entries by sender. The key is the sender id
// when present and the raw display name otherwise, so senders sharing a name
// and lacking an id end up in one bucket.
func BucketBySender(g *DispatchGroup) []*SenderBucket {
	index := make(map[string]*SenderBucket)
	var buckets []*SenderBucket

	for _, e := range g.Entries {
		meta := ParseMetadata(e.Metadata)
		key := meta.SenderKey()

		b, ok := index[key]
		if !ok {
			b = &SenderBucket{
				SenderKey:  key,
				SenderName: meta.Sender(),
				SenderID:   meta.SenderID,
			}
			index[key] = b
			buckets = append(buckets, b)
		}
		b.Entries = append(b.Entries, e)
	}

	return buckets
}

// Units returns the dispatch units of a group. Multi-entry direct message
// groups yield one unit per sender; every other group yields a single unit.
func (g *DispatchGroup) Units() []DispatchUnit {
	if g.Type != domain.NotificationTypeDirectMessage {
		return []DispatchUnit{{Group: g, Entries: g.Entries}}
	}

	if len(g.Entries) == 1 {
		b := BucketBySender(g)[0]
		return []DispatchUnit{{Group: g, Entries: g.Entries, Sender: b}}
	}

	buckets := BucketBySender(g)
	units := make([]DispatchUnit, 0, len(buckets))
	for _, b := range buckets {
		units = append(units, DispatchUnit{Group: g, Entries: b.Entries, Sender: b})
	}
	return units
}

func entryIDs(entries []*QueueEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}
