package models

import (
	"sort"
	"strconv"
	"time"

	"gorm.io/gorm"
)

// Vote represents a vote as read back from the voting contract
type Vote struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	StartTime int64    `json:"start_time"` // epoch seconds
	Duration  int64    `json:"duration"`   // seconds
	GroupID   int64    `json:"group_id"`
	Options   []string `json:"options,omitempty"`
	Open      bool     `json:"open"`   // flag reported by the contract
	Status    bool     `json:"status"` // derived: Open && now < StartTime+Duration
}

// EndTime returns the epoch second at which the vote closes
func (v Vote) EndTime() int64 {
	return v.StartTime + v.Duration
}

// IsOpen reports whether a vote with the given flag and window accepts ballots at now
func IsOpen(open bool, startTime, duration int64, now time.Time) bool {
	return open && now.Unix() < startTime+duration
}

// WithStatus returns a copy of v with Status derived for now
func (v Vote) WithStatus(now time.Time) Vote {
	v.Status = IsOpen(v.Open, v.StartTime, v.Duration, now)
	return v
}

// VoteManager is the voteManagers/{account} document
type VoteManager struct {
	ContractAddress string              `json:"contractAddress"`
	ABI             string              `json:"abi,omitempty"`
	Groups          map[string][]string `json:"groups"`
}

// Members returns the member list of a group, nil when the group is unknown
func (m *VoteManager) Members(groupID int64) []string {
	if m == nil || m.Groups == nil {
		return nil
	}
	return m.Groups[strconv.FormatInt(groupID, 10)]
}

// GroupIDs returns the numeric group ids in ascending order, skipping malformed keys
func (m *VoteManager) GroupIDs() []int64 {
	if m == nil {
		return nil
	}
	ids := make([]int64, 0, len(m.Groups))
	for key := range m.Groups {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// UserRecord is the users/{account} document describing a rank-and-file voter
type UserRecord struct {
	ContractAddress string  `json:"contractAddress"`
	Manager         string  `json:"manager"`
	Groups          []int64 `json:"groups"`
}

// UsersVoteEntry is one (voteID, voteName) pair of a usersVotes record
type UsersVoteEntry struct {
	VoteID   int64  `json:"voteID"`
	VoteName string `json:"voteName"`
}

// UsersVotes is the usersVotes/{account} document, append-only
type UsersVotes struct {
	Votes []UsersVoteEntry `json:"votes"`
}

// VoteRecord mirrors a created vote in the relational database
type VoteRecord struct {
	gorm.Model
	VoteID      int64  `gorm:"not null;uniqueIndex:idx_vote_contract" json:"vote_id"`
	Contract    string `gorm:"size:42;not null;uniqueIndex:idx_vote_contract" json:"contract"`
	Name        string `gorm:"not null" json:"name"`
	GroupID     int64  `gorm:"not null;index" json:"group_id"`
	Manager     string `gorm:"size:42;not null;index" json:"manager"`
	StartTime   int64  `json:"start_time"`
	Duration    int64  `json:"duration"`
	CreateTx    string `gorm:"size:66" json:"create_tx"`
	AddVotersTx string `gorm:"size:66" json:"add_voters_tx"`
	VoterCount  int    `gorm:"default:0" json:"voter_count"`
}

// DocumentRow stores one JSON document for the SQL document store
type DocumentRow struct {
	Collection string `gorm:"primaryKey;size:64"`
	DocID      string `gorm:"primaryKey;size:128"`
	Body       string `gorm:"type:text;not null"`
	UpdatedAt  time.Time
}

// TableName 文档表名
func (DocumentRow) TableName() string {
	return "documents"
}

// CounterRow stores one integer counter field for the SQL document store
type CounterRow struct {
	Collection string `gorm:"primaryKey;size:64"`
	DocID      string `gorm:"primaryKey;size:128"`
	Field      string `gorm:"primaryKey;size:64"`
	Value      int64  `gorm:"not null;default:0"`
}

// TableName 计数器表名
func (CounterRow) TableName() string {
	return "counters"
}
