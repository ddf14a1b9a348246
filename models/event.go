package models

import "encoding/json"

// Event types pushed to websocket subscribers
const (
	EventVoteCreated = "VOTE_CREATED"
)

// VoteCreatedEvent is published after a vote and its voters were written to the contract
type VoteCreatedEvent struct {
	MessageID   string   `json:"message_id"`
	VoteID      int64    `json:"vote_id"`
	Name        string   `json:"name"`
	GroupID     int64    `json:"group_id"`
	StartTime   int64    `json:"start_time"`
	Duration    int64    `json:"duration"`
	Options     []string `json:"options"`
	Manager     string   `json:"manager"`
	Contract    string   `json:"contract"`
	CreateTx    string   `json:"create_tx"`
	AddVotersTx string   `json:"add_voters_tx"`
	Voters      []string `json:"voters"`
	Timestamp   int64    `json:"timestamp"`
}

// Record converts the event into its relational mirror row
func (e *VoteCreatedEvent) Record() *VoteRecord {
	return &VoteRecord{
		VoteID:      e.VoteID,
		Contract:    e.Contract,
		Name:        e.Name,
		GroupID:     e.GroupID,
		Manager:     e.Manager,
		StartTime:   e.StartTime,
		Duration:    e.Duration,
		CreateTx:    e.CreateTx,
		AddVotersTx: e.AddVotersTx,
		VoterCount:  len(e.Voters),
	}
}

// WebSocketMessage 定义WebSocket消息格式
type WebSocketMessage struct {
	Type    string      `json:"type"`
	GroupID int64       `json:"groupId"`
	Payload interface{} `json:"payload"`
}

// ToJSON 将WebSocket消息转换为JSON字节数组
func (m *WebSocketMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
