package approval

// expiredEventCodec is the codec name and kafka topic for expiry events
const expiredEventCodec = "approval.request.expired"

const requestExpiredEventSchema = `{
	"namespace": "sunupay.approvals",
	"type": "record",
	"name": "requestExpired",
	"doc": "This message is sent when an approval request passes its deadline unsigned",
	"fields": [
		{ "name": "request_id", "type": "string" },
		{ "name": "request_type", "type": "string" },
		{ "name": "reference_id", "type": "string", "default": "" },
		{ "name": "policy_id", "type": "string" },
		{ "name": "signature_count", "type": "int" },
		{ "name": "required_threshold", "type": "int" },
		{ "name": "expired_at", "type": "string" }
	]}`

// RequestExpiredEvent - kafka approval expiry event
type RequestExpiredEvent struct {
	RequestID         string `json:"request_id"`
	RequestType       string `json:"request_type"`
	ReferenceID       string `json:"reference_id"`
	PolicyID          string `json:"policy_id"`
	SignatureCount    int32  `json:"signature_count"`
	RequiredThreshold int32  `json:"required_threshold"`
	ExpiredAt         string `json:"expired_at"`
}
