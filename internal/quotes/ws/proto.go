package ws

// ClientMsg topic relay 上行
type ClientMsg struct {
	Type   string   `json:"type"`   // "sub" | "unsub"
	Topics []string `json:"topics"` // topic list，支持 * 和 >
}

// ServerMsg topic relay 的应答；批量数据直接是 {topic: bar} 对象
type ServerMsg struct {
	Type   string   `json:"type"` // "ack" | "error"
	Op     string   `json:"op,omitempty"`
	Topics []string `json:"topics,omitempty"`
	Error  string   `json:"error,omitempty"`
}
