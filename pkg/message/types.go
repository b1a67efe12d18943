package message

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"taskforge/pkg/fetcher"
	"taskforge/pkg/provider/core"

	"github.com/google/uuid"
)

// 错误定义
var (
	ErrInvalidChecksum = errors.New("消息校验和不匹配")
	ErrInvalidFormat   = errors.New("消息格式无效")
)

const (
	// Version 消息格式版本
	Version = "1.0"
	// DataTypeRecords 记录批次
	DataTypeRecords = "records"
)

// MessageHeader 消息头部信息
type MessageHeader struct {
	MessageID   string `json:"messageId"`
	Timestamp   int64  `json:"timestamp"`
	Version     string `json:"version"`
	Producer    string `json:"producer"`
	ContentType string `json:"contentType"`
}

// MessageMetadata 消息元数据
type MessageMetadata struct {
	Endpoint  string    `json:"endpoint"`
	DataType  string    `json:"dataType"`
	Source    string    `json:"source"`
	Degraded  bool      `json:"degraded"`
	BatchSize int       `json:"batchSize"`
	FetchedAt time.Time `json:"fetchedAt"`
	JobName   string    `json:"jobName,omitempty"`
}

// MessageFormat 一批记录的标准消息格式
type MessageFormat struct {
	Header   MessageHeader   `json:"header"`
	Metadata MessageMetadata `json:"metadata"`
	Payload  []core.Record   `json:"payload"`
	Checksum string          `json:"checksum"`
}

// NewRecordBatch 由一次获取结果创建消息
func NewRecordBatch(producer string, result *fetcher.Result, now time.Time) *MessageFormat {
	records := result.Records
	if records == nil {
		records = []core.Record{}
	}
	msg := &MessageFormat{
		Header: MessageHeader{
			MessageID:   uuid.New().String(),
			Timestamp:   now.Unix(),
			Version:     Version,
			Producer:    producer,
			ContentType: "application/json",
		},
		Metadata: MessageMetadata{
			Endpoint:  result.Endpoint,
			DataType:  DataTypeRecords,
			Source:    string(result.Source),
			Degraded:  result.Degraded,
			BatchSize: len(records),
			FetchedAt: result.FetchedAt,
		},
		Payload: records,
	}
	msg.Checksum = msg.calculateChecksum()
	return msg
}

// calculateChecksum 计算消息校验和
func (m *MessageFormat) calculateChecksum() string {
	// 排除 checksum 字段
	temp := MessageFormat{
		Header:   m.Header,
		Metadata: m.Metadata,
		Payload:  m.Payload,
	}

	data, err := json.Marshal(temp)
	if err != nil {
		return ""
	}

	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// Validate 验证消息完整性
func (m *MessageFormat) Validate() error {
	if m.Header.MessageID == "" || m.Metadata.Endpoint == "" {
		return ErrInvalidFormat
	}
	if m.Checksum != m.calculateChecksum() {
		return ErrInvalidChecksum
	}
	return nil
}

// SetJobName 记录触发本次发布的任务
func (m *MessageFormat) SetJobName(name string) {
	m.Metadata.JobName = name
	m.Checksum = m.calculateChecksum()
}

// ToJSON 将消息转换为 JSON 字符串
func (m *MessageFormat) ToJSON() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FromJSON 从 JSON 字符串解析消息
func FromJSON(jsonStr string) (*MessageFormat, error) {
	var msg MessageFormat
	if err := json.Unmarshal([]byte(jsonStr), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetStreamName 端点对应的 Redis Stream 名称
func GetStreamName(endpoint string) string {
	if endpoint == "" {
		return "stream:records:unknown"
	}
	return "stream:records:" + endpoint
}
