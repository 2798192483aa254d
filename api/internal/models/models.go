package models // 模型包

import ( // 依赖导入
	"time" // 时间类型

	"github.com/google/uuid" // UUID 类型

	"sos-mesh-relay/shared/workflow" // 状态机
)

const (
	StatusActive       = workflow.AlertStatusActive
	StatusAcknowledged = workflow.AlertStatusAcknowledged
	StatusResponding   = workflow.AlertStatusResponding
	StatusResolved     = workflow.AlertStatusResolved
	StatusCancelled    = workflow.AlertStatusCancelled
	StatusExpired      = workflow.AlertStatusExpired
)

const (
	DeliveredDirect    = "direct"
	DeliveredMeshRelay = "mesh_relay"
)

const (
	ResponderUser             = "user"
	ResponderOfficial         = "official"
	ResponderEmergencyService = "emergency_service"
)

var EmergencyTypes = []string{"medical", "fire", "security", "natural_disaster", "accident", "other"}

var Priorities = []string{"low", "medium", "high", "critical"}

// PriorityRank orders priorities for sorting; unknown values sort lowest.
func PriorityRank(priority string) int {
	for i, p := range Priorities {
		if p == priority {
			return i + 1
		}
	}
	return 0
}

type Location struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

type RelayHop struct {
	DeviceID    string    `json:"device_id"`
	Timestamp   time.Time `json:"timestamp"`
	HadInternet bool      `json:"had_internet"`
}

type Responder struct {
	ResponderID    string     `json:"responder_id"`
	Type           string     `json:"type"`
	AssignedAt     time.Time  `json:"assigned_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ArrivedAt      *time.Time `json:"arrived_at,omitempty"`
}

type Alert struct {
	MessageID          string         `json:"message_id"`
	OriginatorDeviceID string         `json:"originator_device_id"`
	EmergencyType      string         `json:"emergency_type"`
	Priority           string         `json:"priority"`
	Location           Location       `json:"location"`
	Message            string         `json:"message,omitempty"`
	Signature          string         `json:"signature,omitempty"`
	AppSignature       string         `json:"app_signature,omitempty"`
	Status             string         `json:"status"`
	HopCount           int            `json:"hop_count"`
	RelayChain         []RelayHop     `json:"relay_chain"`
	DeliveredBy        string         `json:"delivered_by,omitempty"`
	DeliveredVia       string         `json:"delivered_via"`
	IsVerified         bool           `json:"is_verified"`
	VerificationErrors []string       `json:"verification_errors,omitempty"`
	VerificationNotes  string         `json:"verification_notes,omitempty"`
	Responders         []Responder    `json:"responders"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	OriginatedAt       time.Time      `json:"originated_at"`
	ReceivedAt         time.Time      `json:"received_at"`
	AcknowledgedAt     *time.Time     `json:"acknowledged_at,omitempty"`
	ResolvedAt         *time.Time     `json:"resolved_at,omitempty"`
	CancelledAt        *time.Time     `json:"cancelled_at,omitempty"`
	ExpiresAt          time.Time      `json:"expires_at"`
	IsExpired          bool           `json:"is_expired"`
	Version            int64          `json:"version"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// EffectiveStatus folds time-based expiry into the stored status.
func (a Alert) EffectiveStatus(now time.Time) string {
	if !workflow.IsTerminal(a.Status) && !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt) {
		return StatusExpired
	}
	return a.Status
}

func (a Alert) TerminalAt(now time.Time) bool {
	return workflow.IsTerminal(a.EffectiveStatus(now))
}

// View is the snapshot handed to callers and listeners: a deep copy whose
// status reflects expiry as of now.
func (a Alert) View(now time.Time) Alert {
	out := a.Clone()
	out.Status = a.EffectiveStatus(now)
	out.IsExpired = out.Status == StatusExpired
	return out
}

func (a Alert) HasResponder(responderID string) bool {
	for _, r := range a.Responders {
		if r.ResponderID == responderID {
			return true
		}
	}
	return false
}

func (a Alert) Clone() Alert {
	out := a
	if a.Location.Altitude != nil {
		v := *a.Location.Altitude
		out.Location.Altitude = &v
	}
	if a.Location.Accuracy != nil {
		v := *a.Location.Accuracy
		out.Location.Accuracy = &v
	}
	out.RelayChain = append([]RelayHop(nil), a.RelayChain...)
	if out.RelayChain == nil {
		out.RelayChain = []RelayHop{}
	}
	out.VerificationErrors = append([]string(nil), a.VerificationErrors...)
	out.Responders = make([]Responder, len(a.Responders))
	for i, r := range a.Responders {
		out.Responders[i] = r
		out.Responders[i].AcknowledgedAt = cloneTime(r.AcknowledgedAt)
		out.Responders[i].ArrivedAt = cloneTime(r.ArrivedAt)
	}
	if a.Metadata != nil {
		out.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	out.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	out.ResolvedAt = cloneTime(a.ResolvedAt)
	out.CancelledAt = cloneTime(a.CancelledAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type DeviceLocation struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type BLECapabilities struct {
	SupportsExtended bool `json:"supports_extended"`
	SupportsMesh     bool `json:"supports_mesh"`
}

type Device struct {
	DeviceID              string          `json:"device_id"`
	Platform              string          `json:"platform"`
	AppVersion            string          `json:"app_version"`
	OSVersion             string          `json:"os_version,omitempty"`
	DeviceModel           string          `json:"device_model,omitempty"`
	PushToken             string          `json:"-"`
	PublicKey             string          `json:"public_key,omitempty"`
	LastKnownLocation     *DeviceLocation `json:"last_known_location,omitempty"`
	HasInternetCapability bool            `json:"has_internet_capability"`
	BLECapabilities       BLECapabilities `json:"ble_capabilities"`
	IsActive              bool            `json:"is_active"`
	LastSeen              time.Time       `json:"last_seen"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

type OutboxEvent struct { // 发件箱事件
	EventID       uuid.UUID  // 事件 ID
	AggregateType string     // 聚合类型
	AggregateID   string     // 聚合 ID
	EventType     string     // 事件类型
	Topic         string     // Kafka 主题
	Payload       []byte     // 负载数据
	Status        string     // 状态
	Attempts      int        // 尝试次数
	NextRetryAt   *time.Time // 下次重试时间
	LockedAt      *time.Time // 锁定时间
	LockedBy      *string    // 锁定者
	LastError     *string    // 最后错误
	CreatedAt     time.Time  // 创建时间
	UpdatedAt     time.Time  // 更新时间
	PublishedAt   *time.Time // 发布时间
}

type AuditLog struct { // 审计日志模型
	AuditID      uuid.UUID // 审计 ID
	OccurredAt   time.Time // 发生时间
	DeviceID     string    // 设备 ID
	Subject      string    // 认证主体
	ActorKind    string    // 主体类型
	Action       string    // 动作
	ResourceType *string   // 资源类型
	ResourceID   *string   // 资源 ID
	RequestID    string    // 请求 ID
	Method       string    // HTTP 方法
	Path         string    // 请求路径
	StatusCode   int       // 状态码
	DurationMS   int64     // 耗时毫秒
	ClientIP     string    // 客户端 IP
	UserAgent    string    // UA 信息
	Details      []byte    // 详情数据
}
