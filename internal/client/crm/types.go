package crm

// Vendor-shaped records as returned by the list endpoints. Optional fields
// stay pointers so the mappers can tell "absent" from "zero".

type Company struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Contact struct {
	ID        string   `json:"id"`
	FirstName string   `json:"firstName"`
	LastName  string   `json:"lastName"`
	Name      string   `json:"name"`
	Company   *Company `json:"company,omitempty"`
}

// Link ties a record to a company and/or contact.
type Link struct {
	CompanyID   *string `json:"companyId,omitempty"`
	CompanyName *string `json:"companyName,omitempty"`
	ContactID   *string `json:"contactId,omitempty"`
	ContactName *string `json:"contactName,omitempty"`
}

// CustomField carries tenant-defined extra data. FieldValue may be a JSON
// string or number depending on how the tenant configured the field.
type CustomField struct {
	FieldName  string `json:"fieldName"`
	FieldValue any    `json:"fieldValue"`
}

type Opportunity struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Stage          *string       `json:"stage,omitempty"`
	Details        string        `json:"details"`
	ContactName    *string       `json:"contactName,omitempty"`
	PrimaryContact *Contact      `json:"primaryContact,omitempty"`
	Contacts       []Contact     `json:"contacts,omitempty"`
	Links          []Link        `json:"links,omitempty"`
	CustomFields   []CustomField `json:"customFields,omitempty"`
}

type Product struct {
	ID            string   `json:"id"`
	OpportunityID string   `json:"opportunityId"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Price         *float64 `json:"price,omitempty"`
	Quantity      *float64 `json:"quantity,omitempty"`
	Total         *float64 `json:"total,omitempty"`
	// ItemNumber sometimes carries the billing date (YYYY-MM-DD); retainer
	// rows are exported that way, deliverables are not.
	ItemNumber string `json:"itemNumber"`
}

type Task struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Details       string  `json:"details"`
	ActivityType  string  `json:"activityType"`
	Completed     bool    `json:"completed"`
	DueDate       *string `json:"dueDate,omitempty"`
	OpportunityID *string `json:"opportunityId,omitempty"`
	Links         []Link  `json:"links,omitempty"`
}
