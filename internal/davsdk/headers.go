package davsdk

const (
	HeaderUserAgent       = "User-Agent"
	HeaderDeviceID        = "X-DavSync-Device-Id"
	HeaderRequestID       = "X-Request-ID"
	HeaderContentType     = "Content-Type"
	HeaderIfMatch         = "If-Match"
	HeaderETag            = "ETag"
	HeaderOCETag          = "OC-ETag"
	HeaderOCFileID        = "OC-FileID"
	HeaderOCFinishPoll    = "OC-Finish-Poll"
	HeaderOCAsync         = "OC-Async"
	HeaderOCChecksum      = "OC-Checksum"
	HeaderDate            = "Date"
	HeaderWWWAuthenticate = "WWW-Authenticate"

	// HeaderOCMtime carries the file mtime on PUT. The server answers on the same
	// header with MtimeAccepted once it applied it.
	HeaderOCMtime = "X-OC-Mtime"

	MtimeAccepted     = "accepted"
	ContentTypeBinary = "application/octet-stream"
)
