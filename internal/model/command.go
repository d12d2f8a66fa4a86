package model

import "time"

const (
	CommandStatusPending   = "PENDING"
	CommandStatusDelivered = "DELIVERED"
	CommandStatusOK        = "OK"
	CommandStatusError     = "ERROR"

	// CommandExpiredInfo 过期命令上报的结果信息
	CommandExpiredInfo = "EXPIRED"

	CommandStatusSuffix = "_status"
	CommandInfoSuffix   = "_info"
	CommandStatusType   = "commandStatus"
	CommandResultType   = "commandResult"
)

// Command 排队等待轮询设备取走的命令
type Command struct {
	ID             string    `json:"id,omitempty" bson:"_id,omitempty"`
	DeviceID       string    `json:"deviceId" bson:"deviceId"`
	Service        string    `json:"service" bson:"service"`
	Subservice     string    `json:"subservice" bson:"subservice"`
	Name           string    `json:"name" bson:"name"`
	Type           string    `json:"type" bson:"type"`
	Value          any       `json:"value" bson:"value"`
	Status         string    `json:"status" bson:"status"`
	CreationDate   time.Time `json:"creationDate" bson:"creationDate"`
	ExpirationDate time.Time `json:"expirationDate" bson:"expirationDate"`
}

// CommandList 设备的命令队列
type CommandList struct {
	Count    int       `json:"count"`
	Commands []Command `json:"commands"`
}

// Expired 命令是否已过期
func (c *Command) Expired(now time.Time) bool {
	return !c.ExpirationDate.After(now)
}
