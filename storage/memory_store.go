package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"community-sync/models"
	"community-sync/utils"
)

// MemoryStore is a process-local CommunityStore used for dry runs and tests.
// Every operation holds the store mutex, so UpsertFields is atomic per record.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*models.CommunityRecord
	byRegID map[string]string
	nextID  int
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*models.CommunityRecord),
		byRegID: make(map[string]string),
	}
}

// Seed stores rec as-is, assigning an id when it has none, and returns the id
func (s *MemoryStore) Seed(rec models.CommunityRecord) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = s.newID()
	}
	c := cloneRecord(&rec)
	s.records[c.ID] = c
	if c.RegulatoryID != "" {
		s.byRegID[c.RegulatoryID] = c.ID
	}
	return c.ID
}

// Get returns a copy of the community with the given id
func (s *MemoryStore) Get(id string) (*models.CommunityRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return cloneRecord(rec), true
}

// All returns copies of every community ordered by id
func (s *MemoryStore) All() []*models.CommunityRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.CommunityRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	return out
}

func (s *MemoryStore) FindByRegulatoryID(_ context.Context, regulatoryID string) (*models.CommunityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRegID[regulatoryID]
	if !ok {
		return nil, nil
	}
	return cloneRecord(s.records[id]), nil
}

func (s *MemoryStore) FindByNameAndLocality(_ context.Context, name, city, state string) ([]*models.CommunityRecord, error) {
	key := utils.NormalizeFacilityName(name)
	if key == "" {
		return nil, nil
	}
	locality := utils.NormalizeLocality(city)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.CommunityRecord
	for _, rec := range s.records {
		if !strings.EqualFold(strings.TrimSpace(rec.State), strings.TrimSpace(state)) {
			continue
		}
		if utils.NormalizeLocality(rec.City) != locality {
			continue
		}
		if utils.NormalizeFacilityName(rec.Name) == key {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	return out, nil
}

func (s *MemoryStore) UpsertFields(_ context.Context, id string, fields models.FieldSet) (models.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := false
	var target *models.CommunityRecord
	if id != "" {
		rec, ok := s.records[id]
		if !ok {
			return models.UpsertResult{}, fmt.Errorf("upsert %s: %w", id, ErrNotFound)
		}
		target = cloneRecord(rec)
	} else {
		// An insert that collides on regulatory id becomes an update of the holder
		if regID := regulatoryIDOf(fields); regID != "" {
			if existing, ok := s.byRegID[regID]; ok {
				target = cloneRecord(s.records[existing])
			}
		}
		if target == nil {
			target = &models.CommunityRecord{ID: s.newID()}
			inserted = true
		}
	}

	previousRegID := target.RegulatoryID
	for field, value := range fields.Fill {
		if err := applyField(target, field, value, true); err != nil {
			return models.UpsertResult{}, err
		}
	}
	for field, value := range fields.Set {
		if err := applyField(target, field, value, false); err != nil {
			return models.UpsertResult{}, err
		}
	}

	if target.RegulatoryID != previousRegID && target.RegulatoryID != "" {
		if holder, taken := s.byRegID[target.RegulatoryID]; taken && holder != target.ID {
			return models.UpsertResult{}, fmt.Errorf("regulatory id %s already belongs to community %s", target.RegulatoryID, holder)
		}
	}
	if previousRegID != "" && previousRegID != target.RegulatoryID {
		delete(s.byRegID, previousRegID)
	}
	if target.RegulatoryID != "" {
		s.byRegID[target.RegulatoryID] = target.ID
	}
	s.records[target.ID] = target
	return models.UpsertResult{ID: target.ID, Inserted: inserted}, nil
}

// ListRegulatoryIDs returns the known regulatory ids in the given states, sorted
func (s *MemoryStore) ListRegulatoryIDs(_ context.Context, states []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	allowed := make(map[string]bool, len(states))
	for _, st := range states {
		allowed[strings.ToUpper(st)] = true
	}
	var out []string
	for regID, id := range s.byRegID {
		if len(allowed) > 0 && !allowed[strings.ToUpper(s.records[id].State)] {
			continue
		}
		out = append(out, regID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) newID() string {
	for {
		s.nextID++
		id := strconv.Itoa(s.nextID)
		if _, taken := s.records[id]; !taken {
			return id
		}
	}
}

func regulatoryIDOf(fields models.FieldSet) string {
	for _, m := range []map[models.Field]any{fields.Set, fields.Fill} {
		if v, ok := m[models.FieldRegulatoryID].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func idLess(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}

func cloneRecord(rec *models.CommunityRecord) *models.CommunityRecord {
	c := *rec
	c.ImageURLs = append([]string(nil), rec.ImageURLs...)
	c.Amenities = append([]string(nil), rec.Amenities...)
	c.InspectionPDFs = append([]models.InspectionLink(nil), rec.InspectionPDFs...)
	if rec.LastSyncedAt != nil {
		t := *rec.LastSyncedAt
		c.LastSyncedAt = &t
	}
	if rec.ProviderDetails != nil {
		p := *rec.ProviderDetails
		c.ProviderDetails = &p
	}
	if rec.Staffing != nil {
		w := *rec.Staffing
		c.Staffing = &w
	}
	if rec.Deficiencies != nil {
		d := *rec.Deficiencies
		d.Recent = append([]models.DeficiencyCitation(nil), rec.Deficiencies.Recent...)
		c.Deficiencies = &d
	}
	return &c
}
