package models

// Creator is one author/editor of a cited work.
type Creator struct {
	Name string `json:"name"`
}

// Citation is the metadata a stage produces for a record.
type Citation struct {
	Title          string    `json:"title"`
	Creators       []Creator `json:"creators"`
	Date           string    `json:"date"`
	ContainerTitle string    `json:"container_title,omitempty"`
	DOI            string    `json:"doi,omitempty"`
	ArxivID        string    `json:"arxiv_id,omitempty"`
	ISBN           string    `json:"isbn,omitempty"`
	URL            string    `json:"url,omitempty"`
	Abstract       string    `json:"abstract,omitempty"`
	ItemType       string    `json:"item_type,omitempty"`
}

// Validate checks citation completeness. A citation is valid when title, at
// least one creator, and a date are all present; otherwise it is incomplete
// and the missing critical fields are named.
func (c Citation) Validate() (string, []string) {
	var missing []string
	if c.Title == "" {
		missing = append(missing, "title")
	}
	if len(c.Creators) == 0 {
		missing = append(missing, "creators")
	}
	if c.Date == "" {
		missing = append(missing, "date")
	}
	if len(missing) > 0 {
		return ValidationIncomplete, missing
	}
	return ValidationValid, nil
}
