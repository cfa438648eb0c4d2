package dispatch

// Tag is one of the fixed host-request tags a coroutine may yield, drawn
// from the closed set in spec.md §6's host-request wire.
type Tag string

// Tags with a deferred handler: the Task parks until a completion arrives
// from a timer, transport reader, or subprocess reaper.
const (
	TagSerialRecv Tag = "serial.recv"
	TagRTTRecv    Tag = "rtt.recv"
	TagRTTRead    Tag = "rtt.read"
	TagSysSleep   Tag = "sys.sleep"
	TagShellRun   Tag = "Shell:run"
	TagShellExist Tag = "Shell:exist"
)

// Tags with an immediate handler: they complete synchronously within the
// same resume cycle that received them.
const (
	TagLogDebug         Tag = "log.debug"
	TagLogInfo          Tag = "log.info"
	TagLogSuccess       Tag = "log.success"
	TagLogWarning       Tag = "log.warning"
	TagLogError         Tag = "log.error"
	TagSerialInfo       Tag = "serial.info"
	TagSerialSend       Tag = "serial.send"
	TagSerialConnect    Tag = "serial.connect"
	TagSerialDisconnect Tag = "serial.disconnect"
	TagRTTInfo          Tag = "rtt.info"
	TagRTTSend          Tag = "rtt.send"
	TagReMatch          Tag = "re.match"
	TagReMatches        Tag = "re.matches"
	TagReLiteral        Tag = "re.literal"
	TagShellNew         Tag = "Shell.new"
)

// deferredTags is the closed set spec.md §4.4 names explicitly, plus
// Shell:run/Shell:exist which block on subprocess I/O the same way.
var deferredTags = map[Tag]bool{
	TagSerialRecv: true,
	TagRTTRecv:    true,
	TagRTTRead:    true,
	TagSysSleep:   true,
	TagShellRun:   true,
	TagShellExist: true,
}

// IsDeferred reports whether tag parks its Task on a future completion
// rather than answering within the current resume cycle.
func IsDeferred(tag Tag) bool {
	return deferredTags[tag]
}

// Status sentinels for HostReply, the error taxonomy of spec.md §7.
const (
	StatusOK              = "ok"
	StatusTimeout         = "timeout"
	StatusCancelled       = "cancelled"
	StatusNotActive       = "not-active"
	StatusInvalidArgument = "invalid-argument"
	StatusIOError         = "io-error"
)

// HostRequest is the tagged tuple a coroutine yields.
type HostRequest struct {
	Tag  Tag
	Args []any
}

// HostReply is the tagged tuple the host resumes a coroutine with. Status
// is StatusOK on success or one of the error taxonomy strings above;
// Results carries the reply's typed fields in the order §4.2 specifies.
type HostReply struct {
	Status  string
	Results []any
}

// OK builds a successful reply with the given result fields.
func OK(results ...any) HostReply {
	return HostReply{Status: StatusOK, Results: results}
}

// Err builds an error-status reply with the given result fields (used for
// deferred timeout/cancellation replies, which never raise — they carry
// status in-band per spec.md §7).
func Err(status string, results ...any) HostReply {
	return HostReply{Status: status, Results: results}
}
