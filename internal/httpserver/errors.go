package httpserver

const (
	ErrInternal            = "Internal server error"
	ErrBadForm             = "bad form"
	ErrNotReady            = "WhatsApp client is not ready. Please try again later."
	ErrNotReadyShort       = "WhatsApp client is not ready"
	ErrSessionDisconnected = "WhatsApp session disconnected. Please wait for reconnection and try again."
	ErrTaskNotFound        = "Scheduled message not found"
	ErrTaskExpired         = "Scheduled message expired and was removed"
	ErrNoFile              = "No file uploaded"
	ErrMissingExpr         = "expr is required"

	ErrSendFailed      = "Failed to send message"
	ErrScheduleFailed  = "Failed to schedule message"
	ErrListFailed      = "Failed to fetch scheduled messages"
	ErrGetFailed       = "Failed to fetch scheduled message"
	ErrDeleteFailed    = "Failed to delete scheduled message"
	ErrUpdateFailed    = "Failed to update scheduled message"
	ErrRunFailed       = "Failed to run scheduled message"
	ErrGroupsFailed    = "Failed to fetch groups"
	ErrPromoteFailed   = "Failed to promote bot to admin"
	ErrReconnectFailed = "Failed to initiate reconnection"
	ErrUploadFailed    = "Failed to store upload"
)
