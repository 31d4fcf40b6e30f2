package ws

type resultKind int

const (
	resultOK resultKind = iota
	resultErr
	resultNone
)

// Result 是事件处理的结果：Ok、Err 或 NoReply，分发器据此恰好回复一次。
type Result struct {
	kind resultKind
	data any
	err  string
}

func Ok(data any) Result { return Result{kind: resultOK, data: data} }

func Err(msg string) Result { return Result{kind: resultErr, err: msg} }

// NoReply 用于 typing 这类不需要回复的事件。
func NoReply() Result { return Result{kind: resultNone} }

func (r Result) IsErr() bool { return r.kind == resultErr }

func (r Result) Reason() string { return r.err }

func (r Result) Data() any { return r.data }

func (r Result) outcome() string {
	switch r.kind {
	case resultErr:
		return "error"
	case resultNone:
		return "noreply"
	}
	return "ok"
}
