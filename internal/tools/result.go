package tools

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM    string `json:"for_llm"`            // content fed back to the model
	ForUser   string `json:"for_user,omitempty"` // content shown to the user
	Silent    bool   `json:"silent"`             // suppress user message
	IsError   bool   `json:"is_error"`
	Truncated bool   `json:"truncated,omitempty"` // output hit the capture cap
	ExitCode  int    `json:"exit_code,omitempty"` // process-kind tools only

	// Pending marks an execution suspended on owner approval.
	Pending    bool   `json:"pending,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`

	Err error `json:"-"` // internal error, not serialized
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func UserResult(content string) *Result {
	return &Result{ForLLM: content, ForUser: content}
}

func PendingResult(approvalID, notice string) *Result {
	return &Result{ForLLM: notice, ForUser: notice, Pending: true, ApprovalID: approvalID}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
