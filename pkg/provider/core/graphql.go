package core

import (
	"encoding/json"
	"fmt"
)

// GraphQLRequest GraphQL 请求体
type GraphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// GraphQLError GraphQL 错误项，extensions 的结构因提供商而异
type GraphQLError struct {
	Message    string                     `json:"message"`
	Extensions map[string]json.RawMessage `json:"extensions,omitempty"`
}

// GraphQLResponse GraphQL 响应。有些提供商把错误放在 error_message/error_code 里而不是 errors 数组。
type GraphQLResponse struct {
	Data         json.RawMessage `json:"data"`
	Errors       []GraphQLError  `json:"errors,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
}

// HasErrors 响应是否携带任何错误
func (r *GraphQLResponse) HasErrors() bool {
	return len(r.Errors) > 0 || r.ErrorMessage != "" || r.ErrorCode != ""
}

// DecodeGraphQL 解析 GraphQL 响应体
func DecodeGraphQL(body []byte) (*GraphQLResponse, error) {
	var resp GraphQLResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}
	return &resp, nil
}

// Extension 读取错误扩展字段
func (e GraphQLError) Extension(key string, v interface{}) bool {
	raw, ok := e.Extensions[key]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}
