// fhir package contains structs representing FHIR data.
// These data models are a lighter weight definition containing only the
// fields the export pipeline needs.
package fhir

import "time"

type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         struct {
		LastUpdated time.Time `json:"lastUpdated"`
	} `json:"meta"`
	Total uint `json:"total"`
}

type Bundle struct {
	Resource
	Links []struct {
		Relation string `json:"relation"`
		URL      string `json:"url"`
	} `json:"link"`
	Entries []BundleEntry `json:"entry"`
}

// NextLink returns the URL of the bundle's "next" link, or "" on the last
// page.
func (b *Bundle) NextLink() string {
	for _, link := range b.Links {
		if link.Relation == "next" {
			return link.URL
		}
	}
	return ""
}

type BundleEntry map[string]interface{}

// Resource returns the entry's resource object, or nil when absent.
func (e BundleEntry) Resource() map[string]interface{} {
	r, ok := e["resource"].(map[string]interface{})
	if !ok {
		return nil
	}
	return r
}

// ResourceType returns the resourceType of the entry's resource.
func (e BundleEntry) ResourceType() string {
	r := e.Resource()
	if r == nil {
		return ""
	}
	t, _ := r["resourceType"].(string)
	return t
}

const (
	mbiSystem        = "http://hl7.org/fhir/sid/us-mbi"
	currencySystem   = "https://bluebutton.cms.gov/resources/codesystem/identifier-currency"
	currencyHistoric = "historic"
)

// PatientIdentifiers extracts the beneficiary ID and MBIs from a Patient
// entry. An MBI identifier carrying the historic currency extension is
// reported separately from the current one.
func (e BundleEntry) PatientIdentifiers() (beneficiaryID, currentMBI string, historicMBIs []string) {
	r := e.Resource()
	if r == nil {
		return "", "", nil
	}
	beneficiaryID, _ = r["id"].(string)

	rawIdentifiers, _ := r["identifier"].([]interface{})
	for _, raw := range rawIdentifiers {
		identifier, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if system, _ := identifier["system"].(string); system != mbiSystem {
			continue
		}
		value, _ := identifier["value"].(string)
		if value == "" {
			continue
		}
		if identifierIsHistoric(identifier) {
			historicMBIs = append(historicMBIs, value)
		} else {
			currentMBI = value
		}
	}
	return beneficiaryID, currentMBI, historicMBIs
}

func identifierIsHistoric(identifier map[string]interface{}) bool {
	extensions, _ := identifier["extension"].([]interface{})
	for _, raw := range extensions {
		ext, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if url, _ := ext["url"].(string); url != currencySystem {
			continue
		}
		coding, _ := ext["valueCoding"].(map[string]interface{})
		if code, _ := coding["code"].(string); code == currencyHistoric {
			return true
		}
	}
	return false
}

// BillableStart extracts the start of the resource's billable period.
// The second return is false when the resource carries no parseable date.
func (e BundleEntry) BillableStart() (time.Time, bool) {
	r := e.Resource()
	if r == nil {
		return time.Time{}, false
	}

	period, ok := r["billablePeriod"].(map[string]interface{})
	if !ok {
		return time.Time{}, false
	}

	raw, ok := period["start"].(string)
	if !ok {
		return time.Time{}, false
	}

	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
