package cluster

// ShardStartedRequest is posted by a node once a shard copy finished
// recovering.
type ShardStartedRequest struct {
	Index string `json:"index"`
	Shard int    `json:"shard"`
	Node  string `json:"node"`
}

// ShardFailedRequest is posted by a node when a shard copy failed.
type ShardFailedRequest struct {
	Index   string `json:"index"`
	Shard   int    `json:"shard"`
	Node    string `json:"node"`
	Message string `json:"message"`
	Failure string `json:"failure,omitempty"`
	// Info is the node's own record of the failure in the binary form of
	// routing.UnassignedInfo. When set it wins over Message and Failure.
	Info    []byte `json:"info,omitempty"`
}
