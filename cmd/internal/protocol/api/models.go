package api

// stageRequest accepts both the snake_case and camelCase spellings used by
// existing clients. Only the fields relevant to a stage are read.
type stageRequest struct {
	Message   string `json:"message"`
	To        string `json:"to"`
	Recipient string `json:"recipient"`

	ResponseType      string `json:"response_type"`
	ResponseTypeCamel string `json:"responseType"`

	EntanglementID      string `json:"entanglement_id"`
	EntanglementIDCamel string `json:"entanglementId"`
	SessionID           string `json:"session_id"`
	SessionIDCamel      string `json:"sessionId"`
	ConversationID      string `json:"conversation_id"`
	ConversationIDCamel string `json:"conversationId"`
}

func (r stageRequest) recipient() string {
	return firstNonEmpty(r.To, r.Recipient)
}

func (r stageRequest) responseType() string {
	return firstNonEmpty(r.ResponseType, r.ResponseTypeCamel)
}

func (r stageRequest) sessionID() string {
	return firstNonEmpty(r.EntanglementID, r.EntanglementIDCamel, r.SessionID, r.SessionIDCamel,
		r.ConversationID, r.ConversationIDCamel)
}

type stageResponse struct {
	Status          string `json:"status"`
	Node            string `json:"node"`
	Action          string `json:"action"`
	EntanglementID  string `json:"entanglement_id,omitempty"`
	DecodedFragment string `json:"decoded_fragment"`
	State           string `json:"state"`
	Transitioned    *bool  `json:"transitioned,omitempty"`
}

type statusResponse struct {
	EntanglementID   string `json:"entanglement_id"`
	Stage1Done       bool   `json:"stage1_done"`
	Stage2Done       bool   `json:"stage2_done"`
	Stage3Done       bool   `json:"stage3_done"`
	State            string `json:"state"`
	RemainingSeconds int64  `json:"remaining_seconds"`
}

type healthResponse struct {
	Status string `json:"status"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
