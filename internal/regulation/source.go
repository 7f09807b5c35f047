package regulation

// Category identifies the kind of protected identifier a pattern or
// field carries. The set is closed: packs naming anything else are
// rejected at load time.
type Category string

// Pseudonym tokens derive their prefix from the category value, so
// country packs carry specific categories (ssn, aadhaar, nhs_number)
// rather than one generic national-id bucket.
const (
	CategoryName         Category = "name"
	CategoryPatientID    Category = "patient_id"
	CategoryMRN          Category = "mrn"
	CategoryNationalID   Category = "national_id"
	CategorySSN          Category = "ssn"
	CategoryAadhaar      Category = "aadhaar"
	CategoryPAN          Category = "pan"
	CategoryNHSNumber    Category = "nhs_number"
	CategoryNINO         Category = "nino"
	CategoryJMBG         Category = "jmbg"
	CategoryPhone        Category = "phone"
	CategoryEmail        Category = "email"
	CategoryURL          Category = "url"
	CategoryIP           Category = "ip"
	CategoryStreet       Category = "street"
	CategoryCity         Category = "city"
	CategoryState        Category = "state"
	CategoryPostalCode   Category = "postal_code"
	CategoryDate         Category = "date"
	CategoryDeviceID     Category = "device_id"
	CategoryAccount      Category = "account"
	CategoryLicense      Category = "license"
	CategoryOrganization Category = "organization"
	CategoryLocation     Category = "location"
	CategoryAge          Category = "age"
	CategoryCustom       Category = "custom"
)

var knownCategories = map[Category]bool{
	CategoryName: true, CategoryPatientID: true, CategoryMRN: true,
	CategoryNationalID: true, CategorySSN: true, CategoryAadhaar: true,
	CategoryPAN: true, CategoryNHSNumber: true, CategoryNINO: true,
	CategoryJMBG: true, CategoryPhone: true, CategoryEmail: true,
	CategoryURL: true, CategoryIP: true, CategoryStreet: true,
	CategoryCity: true, CategoryState: true, CategoryPostalCode: true,
	CategoryDate: true, CategoryDeviceID: true, CategoryAccount: true,
	CategoryLicense: true, CategoryOrganization: true, CategoryLocation: true,
	CategoryAge: true, CategoryCustom: true,
}

// Known reports whether the category belongs to the closed set
func (c Category) Known() bool {
	return knownCategories[c]
}

// IsTemporal reports whether matches of this category are handled by the
// date shifter instead of the pseudonym generator
func (c Category) IsTemporal() bool {
	return c == CategoryDate
}

// Privacy levels for structured record fields
const (
	PrivacyDirect = "direct" // field value is itself an identifier: replace the whole value
	PrivacyQuasi  = "quasi"  // free text that may contain identifiers: scan it
	PrivacyLow    = "low"    // safe to pass through unchanged
)

// Pattern describes one detection rule supplied by a regulation pack.
// Immutable after load. When Expr contains a capture group, the group
// span is replaced instead of the whole match, which lets
// keyword-anchored rules keep their anchor text.
type Pattern struct {
	Name        string   `yaml:"name"`
	Category    Category `yaml:"category"`
	Expr        string   `yaml:"expr"`
	Priority    int      `yaml:"priority"` // higher wins on overlapping spans
	Description string   `yaml:"description"`
}

// FieldDefinition describes how a named structured field is handled
type FieldDefinition struct {
	Name         string   `yaml:"name"`
	Category     Category `yaml:"category"`
	Rule         string   `yaml:"rule"` // optional shape check for direct fields
	PrivacyLevel string   `yaml:"privacy_level"`
}

// Source supplies detection patterns, field handling rules and date
// layout candidates for a set of country codes. The engine consumes it
// as pure data and contains no regulation-specific logic itself.
type Source interface {
	DetectionPatterns(countries []string) ([]Pattern, error)
	FieldDefinitions(countries []string) ([]FieldDefinition, error)
	DateLayouts(countries []string) ([]string, error)
}
