package engine

import (
	"cmp"
	"slices"

	"secura/models"
)

// Timeline is a viewer's merged record sequence, unique by ID and ordered by
// (Timestamp, ID).
type Timeline struct {
	records []models.MessageRecord
}

// Records returns a copy of the ordered records.
func (t Timeline) Records() []models.MessageRecord {
	return slices.Clone(t.records)
}

// Len returns the number of records.
func (t Timeline) Len() int {
	return len(t.records)
}

// IDs returns the record IDs in timeline order.
func (t Timeline) IDs() []string {
	ids := make([]string, len(t.records))
	for i, record := range t.records {
		ids[i] = record.ID
	}
	return ids
}

// Conversation returns the records exchanged between viewer and peer, in
// timeline order. With peer == viewer it returns the viewer's self-messages.
func (t Timeline) Conversation(viewer, peer string) []models.MessageRecord {
	out := make([]models.MessageRecord, 0)
	for _, record := range t.records {
		if (record.Sender == viewer && record.Recipient == peer) ||
			(record.Sender == peer && record.Recipient == viewer) {
			out = append(out, record)
		}
	}
	return out
}

// ContentAddresses returns each distinct content address once, in timeline order.
func (t Timeline) ContentAddresses() []string {
	seen := make(map[string]struct{}, len(t.records))
	out := make([]string, 0, len(t.records))
	for _, record := range t.records {
		address := record.ContentAddress()
		if _, ok := seen[address]; ok {
			continue
		}
		seen[address] = struct{}{}
		out = append(out, address)
	}
	return out
}

// LatestHeight returns the highest record timestamp, or zero when empty.
func (t Timeline) LatestHeight() uint64 {
	if len(t.records) == 0 {
		return 0
	}
	return t.records[len(t.records)-1].Timestamp
}

// ContactSet is the set of counterparties of a timeline, in order of first
// appearance.
type ContactSet struct {
	order []string
}

// Addresses returns the contacts in discovery order.
func (c ContactSet) Addresses() []string {
	return slices.Clone(c.order)
}

// Sorted returns the contacts ordered by address, stable across rebuilds.
func (c ContactSet) Sorted() []string {
	out := slices.Clone(c.order)
	slices.Sort(out)
	return out
}

// Len returns the number of contacts.
func (c ContactSet) Len() int {
	return len(c.order)
}

// Contains reports whether address is a contact.
func (c ContactSet) Contains(address string) bool {
	return slices.Contains(c.order, address)
}

// Merge unions inbound and outbound records by ID and orders them by
// (Timestamp, ID). A record present in both lists is kept once as outbound;
// that only happens for self-messages.
func Merge(viewer string, inbound, outbound []models.MessageRecord) (Timeline, ContactSet) {
	byID := make(map[string]models.MessageRecord, len(inbound)+len(outbound))
	for _, record := range inbound {
		record.Direction = models.DirectionInbound
		byID[record.ID] = record
	}
	for _, record := range outbound {
		record.Direction = models.DirectionOutbound
		byID[record.ID] = record
	}

	records := make([]models.MessageRecord, 0, len(byID))
	for _, record := range byID {
		records = append(records, record)
	}
	slices.SortFunc(records, compareRecords)

	seen := make(map[string]struct{})
	contacts := make([]string, 0)
	for _, record := range records {
		peer := record.Counterparty(viewer)
		if peer == viewer {
			continue
		}
		if _, ok := seen[peer]; ok {
			continue
		}
		seen[peer] = struct{}{}
		contacts = append(contacts, peer)
	}

	return Timeline{records: records}, ContactSet{order: contacts}
}

func compareRecords(a, b models.MessageRecord) int {
	if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
