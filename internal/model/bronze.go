package model

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// BronzeRecord is one breeder listing exactly as scraped. Nothing in the
// pipeline interprets or rewrites it; it is the audit root for every Gold
// record derived from it.
type BronzeRecord struct {
	ID                  string
	StrainName          string
	SourceURL           string
	ExtractionTimestamp string // verbatim, usually ISO-8601
	RawHTML             string

	// RawFields holds every "<field>_raw" string keyed by its full JSON key
	// (e.g. "height_raw"). RawSources holds the optional "<field>_source"
	// labels keyed by the same raw key.
	RawFields  map[string]string
	RawSources map[string]string
}

const (
	rawSuffix    = "_raw"
	sourceSuffix = "_source"
)

// UnmarshalJSON reads the flat Bronze line format: fixed metadata keys plus
// any number of "*_raw" and "*_source" string fields.
func (b *BronzeRecord) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return eris.Wrap(err, "bronze: decode record")
	}

	*b = BronzeRecord{}
	str := func(key string) (string, error) {
		raw, ok := fields[key]
		if !ok || string(raw) == "null" {
			return "", nil
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", eris.Wrapf(err, "bronze: field %s is not a string", key)
		}
		return s, nil
	}

	var err error
	if b.ID, err = str("record_id"); err != nil {
		return err
	}
	if b.ID == "" {
		if b.ID, err = str("id"); err != nil {
			return err
		}
	}
	if b.StrainName, err = str("strain_name"); err != nil {
		return err
	}
	if b.SourceURL, err = str("source_url"); err != nil {
		return err
	}
	if b.ExtractionTimestamp, err = str("extraction_timestamp"); err != nil {
		return err
	}
	if b.RawHTML, err = str("raw_html"); err != nil {
		return err
	}

	for key := range fields {
		switch {
		case strings.HasSuffix(key, rawSuffix):
			v, err := str(key)
			if err != nil {
				return err
			}
			if strings.TrimSpace(v) == "" {
				continue
			}
			if b.RawFields == nil {
				b.RawFields = make(map[string]string)
			}
			b.RawFields[key] = v
		case strings.HasSuffix(key, sourceSuffix):
			v, err := str(key)
			if err != nil {
				return err
			}
			if v == "" {
				continue
			}
			if b.RawSources == nil {
				b.RawSources = make(map[string]string)
			}
			b.RawSources[strings.TrimSuffix(key, sourceSuffix)+rawSuffix] = v
		}
	}
	return nil
}

// MarshalJSON writes the record back in the same flat format it was read in.
func (b BronzeRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, len(b.RawFields)+len(b.RawSources)+5)
	for k, v := range b.RawFields {
		out[k] = v
	}
	for k, v := range b.RawSources {
		out[strings.TrimSuffix(k, rawSuffix)+sourceSuffix] = v
	}
	out["record_id"] = b.ID
	out["strain_name"] = b.StrainName
	out["source_url"] = b.SourceURL
	if b.ExtractionTimestamp != "" {
		out["extraction_timestamp"] = b.ExtractionTimestamp
	}
	if b.RawHTML != "" {
		out["raw_html"] = b.RawHTML
	}
	return json.Marshal(out)
}

// EnsureID assigns a deterministic identifier derived from the source URL and
// strain name when the input line did not carry one. Re-reading the same
// input always yields the same ID.
func (b *BronzeRecord) EnsureID() {
	if b.ID != "" {
		return
	}
	b.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(b.SourceURL+"#"+b.StrainName)).String()
}

// RawKeys returns the raw field keys in sorted order.
func (b *BronzeRecord) RawKeys() []string {
	keys := make([]string, 0, len(b.RawFields))
	for k := range b.RawFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasListing reports whether the record carries markup that needs the
// extraction service.
func (b *BronzeRecord) HasListing() bool {
	return strings.TrimSpace(b.RawHTML) != ""
}
