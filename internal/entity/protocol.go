package entity

// Client request grammar. Pointer fields distinguish a missing field from an
// empty one so the error frames can name what is absent.
type ClientRequest struct {
	Action      string    `json:"action"`
	Instruments *[]string `json:"instruments"`
	Pattern     *string   `json:"pattern"`
}

const (
	ActionSubscribe         = "subscribe"
	ActionUnsubscribe       = "unsubscribe"
	ActionListInstruments   = "list_instruments"
	ActionSearchInstruments = "search_instruments"
)

type WelcomeFrame struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	SessionID    string `json:"session_id"`
	CTPConnected bool   `json:"ctp_connected"`
	Timestamp    int64  `json:"timestamp"`
}

type SubscriptionResponse struct {
	Type            string `json:"type"`
	Status          string `json:"status"`
	SubscribedCount int    `json:"subscribed_count"`
}

type InstrumentListFrame struct {
	Type        string   `json:"type"`
	Instruments []string `json:"instruments"`
	Count       int      `json:"count"`
}

type SearchResultFrame struct {
	Type        string   `json:"type"`
	Pattern     string   `json:"pattern"`
	Instruments []string `json:"instruments"`
	Count       int      `json:"count"`
}

type ErrorFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}
