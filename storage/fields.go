package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"community-sync/models"
)

// applyField writes value into rec. With fillOnly, the field is left alone
// when it already holds a non-empty value.
func applyField(rec *models.CommunityRecord, field models.Field, value any, fillOnly bool) error {
	switch field {
	case models.FieldRegulatoryID:
		return setString(&rec.RegulatoryID, value, fillOnly)
	case models.FieldName:
		return setString(&rec.Name, value, fillOnly)
	case models.FieldDescription:
		return setString(&rec.Description, value, fillOnly)
	case models.FieldAddress:
		return setString(&rec.Address, value, fillOnly)
	case models.FieldCity:
		return setString(&rec.City, value, fillOnly)
	case models.FieldState:
		return setString(&rec.State, value, fillOnly)
	case models.FieldZip:
		return setString(&rec.Zip, value, fillOnly)
	case models.FieldPhone:
		return setString(&rec.Phone, value, fillOnly)
	case models.FieldSyncSource:
		return setString(&rec.SyncSource, value, fillOnly)
	case models.FieldImageURLs:
		return setStrings(&rec.ImageURLs, value, fillOnly)
	case models.FieldAmenities:
		return setStrings(&rec.Amenities, value, fillOnly)
	case models.FieldLastSyncedAt:
		t, ok := value.(time.Time)
		if !ok {
			return fmt.Errorf("field %s expects time.Time, got %T", field, value)
		}
		if fillOnly && rec.LastSyncedAt != nil {
			return nil
		}
		rec.LastSyncedAt = &t
	case models.FieldProviderDetails:
		v, ok := value.(*models.ProviderDetails)
		if !ok {
			return fmt.Errorf("field %s expects *ProviderDetails, got %T", field, value)
		}
		if fillOnly && rec.ProviderDetails != nil {
			return nil
		}
		rec.ProviderDetails = v
	case models.FieldStaffing:
		v, ok := value.(*models.StaffingWindow)
		if !ok {
			return fmt.Errorf("field %s expects *StaffingWindow, got %T", field, value)
		}
		if fillOnly && rec.Staffing != nil {
			return nil
		}
		rec.Staffing = v
	case models.FieldDeficiencies:
		v, ok := value.(*models.DeficiencySummary)
		if !ok {
			return fmt.Errorf("field %s expects *DeficiencySummary, got %T", field, value)
		}
		if fillOnly && rec.Deficiencies != nil {
			return nil
		}
		rec.Deficiencies = v
	case models.FieldInspectionPDFs:
		v, ok := value.([]models.InspectionLink)
		if !ok {
			return fmt.Errorf("field %s expects []InspectionLink, got %T", field, value)
		}
		if fillOnly && len(rec.InspectionPDFs) > 0 {
			return nil
		}
		rec.InspectionPDFs = v
	default:
		return fmt.Errorf("field %s is not writable by the pipeline", field)
	}
	return nil
}

func setString(dst *string, value any, fillOnly bool) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", value)
	}
	if fillOnly && *dst != "" {
		return nil
	}
	*dst = s
	return nil
}

func setStrings(dst *[]string, value any, fillOnly bool) error {
	s, ok := value.([]string)
	if !ok {
		return fmt.Errorf("expected []string, got %T", value)
	}
	if fillOnly && len(*dst) > 0 {
		return nil
	}
	*dst = append([]string(nil), s...)
	return nil
}

// columnKind tells the SQL builder how to compare and encode a field
type columnKind int

const (
	kindText columnKind = iota
	kindTextArray
	kindJSON
	kindTimestamp
)

var columnKinds = map[models.Field]columnKind{
	models.FieldRegulatoryID:    kindText,
	models.FieldName:            kindText,
	models.FieldDescription:     kindText,
	models.FieldAddress:         kindText,
	models.FieldCity:            kindText,
	models.FieldState:           kindText,
	models.FieldZip:             kindText,
	models.FieldPhone:           kindText,
	models.FieldSyncSource:      kindText,
	models.FieldImageURLs:       kindTextArray,
	models.FieldAmenities:       kindTextArray,
	models.FieldProviderDetails: kindJSON,
	models.FieldStaffing:        kindJSON,
	models.FieldDeficiencies:    kindJSON,
	models.FieldInspectionPDFs:  kindJSON,
	models.FieldLastSyncedAt:    kindTimestamp,
}

func encodeJSON(value any) ([]byte, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return b, nil
}
