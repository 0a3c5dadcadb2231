package models

import "time"

// Entity kinds assigned by the address classifier.
const (
	EntityVictim            = "victim_wallet"
	EntityHacker            = "hacker_wallet"
	EntityCEX               = "CEX"
	EntityDEX               = "DEX"
	EntityMixer             = "Mixer"
	EntityBridge            = "Bridge"
	EntityHighFrequency     = "high_frequency_service"
	EntityConsolidation     = "consolidation_point"
	EntityPotentialEndpoint = "potential_endpoint"
	EntityUnknown           = "Unknown"
)

// Termination reason tags recorded on nodes where exploration stops.
const (
	TerminationHighConfidence      = "high_confidence_classification"
	TerminationHighVolume          = "high_transaction_volume"
	TerminationInsufficientValue   = "insufficient_value_flow"
	TerminationHighFrequency       = "high_frequency_service_detected"
	TerminationUpstreamUnavailable = "upstream_unavailable"
)

// Filter reason tags recorded on edges.
const (
	FilterReasonInitialHack = "initial_hack_transaction"
	FilterReasonFiltered    = "filtered_transaction"
)

// Edge importance buckets from flow annotation.
const (
	ImportanceCritical    = "critical"    // ≥ 10% of stolen amount
	ImportanceSignificant = "significant" // 2–10%
	ImportanceMinor       = "minor"       // < 2%
)

// Node is an address observed in an incident graph.
type Node struct {
	Address                string   `json:"address"`
	DepthFromHack          int      `json:"depthFromHack"`
	EntityKind             string   `json:"entityKind"`
	Confidence             float64  `json:"confidence"` // 0–100
	TransactionCount       int      `json:"transactionCount"`
	Details                string   `json:"details,omitempty"` // classifier friendly name
	FirstSeenBlock         int64    `json:"firstSeenBlock,omitempty"`
	TerminationReason      string   `json:"terminationReason,omitempty"`
	ManualExplorationReady bool     `json:"manualExplorationReady"`
	ConsolidatedAddresses  []string `json:"consolidatedAddresses,omitempty"`
}

// Edge is one observed outgoing transaction selected into the graph.
// (From, To, TxHash) is unique within an incident.
type Edge struct {
	From           string  `json:"from"`
	To             string  `json:"to"`
	TxHash         string  `json:"txHash"`
	ValueETH       float64 `json:"valueEth"`
	BlockNumber    int64   `json:"blockNumber,omitempty"`
	Timestamp      int64   `json:"timestamp,omitempty"`
	GasUsed        int64   `json:"gasUsed,omitempty"`
	GasPrice       int64   `json:"gasPrice,omitempty"`
	PriorityScore  int     `json:"priorityScore"`
	FilterReason   string  `json:"filterReason,omitempty"`
	FlowPercentage float64 `json:"flowPercentage"`
	Importance     string  `json:"importance,omitempty"`
}

// TopPath is one ranked high-value edge projected for reporting.
type TopPath struct {
	Rank                    int     `json:"rank"`
	ValueETH                float64 `json:"valueEth"`
	ValuePercentage         float64 `json:"valuePercentage"`
	HopCount                int     `json:"hopCount"`
	FinalEndpointKind       string  `json:"finalEndpointKind"`
	FinalEndpointConfidence float64 `json:"finalEndpointConfidence"`
}

// GraphTotals are the summary statistics of a completed trace.
type GraphTotals struct {
	TotalNodes            int     `json:"totalNodes"`
	TotalEdges            int     `json:"totalEdges"`
	MaxDepth              int     `json:"maxDepth"`
	TotalValueTraced      float64 `json:"totalValueTraced"`
	ProcessingTimeSeconds int     `json:"processingTimeSeconds"`
	APICallsUsed          int     `json:"apiCallsUsed"`
}

// PartialResults describe the graph that existed when a job stopped
// abnormally (timeout, error, cancellation).
type PartialResults struct {
	TotalNodes int `json:"totalNodes"`
	TotalEdges int `json:"totalEdges"`
	MaxDepth   int `json:"maxDepth"`
}

// Job / graph record statuses persisted by the controller.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusTimeout   = "timeout"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Externally observable error codes.
const (
	CodeIncidentNotFound  = "INCIDENT_NOT_FOUND"
	CodeAlreadyProcessing = "ALREADY_PROCESSING"
	CodeEtherscanLimit    = "ETHERSCAN_API_LIMIT"
	CodeEtherscanError    = "ETHERSCAN_API_ERROR"
	CodeTimeout           = "PROCESSING_TIMEOUT"
	CodeJobCancelled      = "JOB_CANCELLED"
	CodeInternalError     = "INTERNAL_ERROR"
)

// StatusUpdate is a partial update to a persisted graph record. Nil
// pointers leave the stored column untouched.
type StatusUpdate struct {
	Status         string
	Progress       *int
	CurrentStep    *string
	ErrorMessage   *string
	ErrorCode      *string
	PartialResults *PartialResults
}

// GraphStatus is the persisted view of one incident graph record.
type GraphStatus struct {
	IncidentID         string          `json:"incidentId"`
	Status             string          `json:"status"`
	ProgressPercentage int             `json:"progressPercentage"`
	CurrentStep        string          `json:"currentStep,omitempty"`
	ErrorMessage       string          `json:"errorMessage,omitempty"`
	ErrorCode          string          `json:"errorCode,omitempty"`
	PartialResults     *PartialResults `json:"partialResults,omitempty"`
	Totals             GraphTotals     `json:"totals"`
	EndpointSummary    map[string]int  `json:"endpointSummary,omitempty"`
	TopPaths           []TopPath       `json:"topPaths,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}
