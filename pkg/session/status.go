package session

// Ph1Status 阶段一状态
type Ph1Status int

const (
	Ph1Start Ph1Status = iota
	Ph1MsgSent
	Ph1AuthSent
	Ph1Established
	Ph1Expired
)

func (s Ph1Status) String() string {
	switch s {
	case Ph1Start:
		return "START"
	case Ph1MsgSent:
		return "MSGSENT"
	case Ph1AuthSent:
		return "AUTHSENT"
	case Ph1Established:
		return "ESTABLISHED"
	case Ph1Expired:
		return "EXPIRED"
	}
	return "UNKNOWN"
}

// Ph2Status 阶段二 (Quick Mode) 状态
type Ph2Status int

const (
	Ph2Start Ph2Status = iota
	Ph2Status2
	Ph2GetSPISent
	Ph2GetSPIDone
	Ph2Msg1Sent
	Ph2Status6
	Ph2Commit
	Ph2AddSA
	Ph2Established
	Ph2Expired
)

func (s Ph2Status) String() string {
	switch s {
	case Ph2Start:
		return "START"
	case Ph2Status2:
		return "STATUS2"
	case Ph2GetSPISent:
		return "GETSPISENT"
	case Ph2GetSPIDone:
		return "GETSPIDONE"
	case Ph2Msg1Sent:
		return "MSG1SENT"
	case Ph2Status6:
		return "STATUS6"
	case Ph2Commit:
		return "COMMIT"
	case Ph2AddSA:
		return "ADDSA"
	case Ph2Established:
		return "ESTABLISHED"
	case Ph2Expired:
		return "EXPIRED"
	}
	return "UNKNOWN"
}

// StopReason 会话被停止的原因
type StopReason int

const (
	StopNone StopReason = iota
	StopByController
	StopBySleepWake
	StopByPeerDelete
	StopByIdleTimeout
	StopByNegotiationFailure
)

func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopByController:
		return "controller"
	case StopBySleepWake:
		return "sleep-wake"
	case StopByPeerDelete:
		return "peer-delete"
	case StopByIdleTimeout:
		return "idle-timeout"
	case StopByNegotiationFailure:
		return "negotiation-failure"
	}
	return "unknown"
}
