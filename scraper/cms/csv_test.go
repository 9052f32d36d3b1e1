package cms

import (
	"testing"
)

func TestParseCSVStripsBOMAndPadsRows(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("PROVNUM, PROVNAME ,CITY\n365001,Sunrise,Columbus\n365002,\"Maple, Grove\"\n365003,Oak,Dayton,extra\n")...)
	rows, warnings, err := ParseCSV(data, "pbj.csv")
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0].Fields["PROVNUM"] != "365001" || rows[0].Fields["PROVNAME"] != "Sunrise" {
		t.Fatalf("BOM or header trim failed: %v", rows[0].Fields)
	}
	if rows[1].Fields["PROVNAME"] != "Maple, Grove" || rows[1].Fields["CITY"] != "" {
		t.Fatalf("short row not padded: %v", rows[1].Fields)
	}
	if rows[2].Fields["CITY"] != "Dayton" || rows[2].Line != 4 || rows[2].Source != "pbj.csv" {
		t.Fatalf("long row not truncated: %+v", rows[2])
	}
	if len(warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", warnings)
	}
}

func TestParseCSVLatin1Fallback(t *testing.T) {
	data := []byte("PROVNAME,CITY\nCaf\xe9 Manor,Akron\n")
	rows, _, err := ParseCSV(data, "x.csv")
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if rows[0].Fields["PROVNAME"] != "Café Manor" {
		t.Fatalf("latin-1 not decoded: %q", rows[0].Fields["PROVNAME"])
	}
}

func TestParseCSVEmptyFile(t *testing.T) {
	if _, _, err := ParseCSV(nil, "empty.csv"); err == nil {
		t.Fatalf("expected error for empty file")
	}
}
