package mq

import (
	"context"
	"fmt"

	"chain-voting-backend/models"

	"github.com/rs/zerolog/log"
)

// RecordSaver 保存投票镜像，*repository.VoteRecordRepository 满足
type RecordSaver interface {
	Save(ctx context.Context, record *models.VoteRecord) error
}

// Broadcaster 向订阅了某个组的连接推送消息
type Broadcaster interface {
	BroadcastToGroup(groupID int64, message []byte)
}

// NewVoteCreatedHandler 返回事件处理函数：写入关系库镜像并推送给组内的websocket连接；
// records 或 broadcaster 为 nil 时跳过对应步骤
func NewVoteCreatedHandler(records RecordSaver, broadcaster Broadcaster) Handler {
	return func(ctx context.Context, event *models.VoteCreatedEvent) error {
		if records != nil {
			if err := records.Save(ctx, event.Record()); err != nil {
				return fmt.Errorf("保存投票记录 %d 失败: %w", event.VoteID, err)
			}
		}

		if broadcaster != nil {
			msg := models.WebSocketMessage{
				Type:    models.EventVoteCreated,
				GroupID: event.GroupID,
				Payload: event,
			}
			data, err := msg.ToJSON()
			if err != nil {
				return fmt.Errorf("序列化推送消息失败: %w", err)
			}
			broadcaster.BroadcastToGroup(event.GroupID, data)
		}

		log.Printf("已处理投票创建事件: vote=%d group=%d", event.VoteID, event.GroupID)
		return nil
	}
}
