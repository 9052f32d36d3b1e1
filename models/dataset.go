package models

import "fmt"

// Dataset names one importable upstream dataset
type Dataset string

const (
	DatasetProviderInfo   Dataset = "provider-info"
	DatasetDeficiencies   Dataset = "deficiencies"
	DatasetStaffing       Dataset = "staffing"
	DatasetInspectionPDFs Dataset = "inspection-pdfs"
)

// AllDatasets lists every dataset the pipeline knows how to import
var AllDatasets = []Dataset{DatasetProviderInfo, DatasetDeficiencies, DatasetStaffing, DatasetInspectionPDFs}

// ParseDataset validates a dataset name coming from a URL or flag
func ParseDataset(name string) (Dataset, error) {
	for _, d := range AllDatasets {
		if string(d) == name {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown dataset %q", name)
}

// Grouped reports whether records of the dataset must be buffered per facility
// until a batch is complete before they can be reconciled.
func (d Dataset) Grouped() bool {
	return d != DatasetProviderInfo
}

// SyncSource is the value written to CommunityRecord.SyncSource
func (d Dataset) SyncSource() string {
	return "cms:" + string(d)
}
