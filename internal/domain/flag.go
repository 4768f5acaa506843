package domain

// Flag points a tester's note at a previously captured event.
type Flag struct {
	ID        string `json:"id"`
	EventID   string `json:"eventId"`
	Note      string `json:"note"`
	Timestamp string `json:"timestamp"`
}

type Screenshot struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	// Data is an image data URL.
	Data string `json:"data"`
}
