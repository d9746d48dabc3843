package wechat

// Message kinds produced by sync normalization.
const (
	KindText  = "text"
	KindImage = "image"
	KindFile  = "file"
)

// Message is the normalized unit of work handed to the dispatcher.
type Message struct {
	ID        string `json:"id"`
	Kind      string `json:"type"`
	Text      string `json:"text"`
	FileName  string `json:"file_name,omitempty"`
	IsMine    bool   `json:"is_mine"`
	FilePath  string `json:"file_path,omitempty"`
	FileSize  int64  `json:"file_size,omitempty"`
	ReplyToID string `json:"reply_to_id,omitempty"`
}

// SyncStatus is the outcome of a synccheck round.
type SyncStatus string

const (
	SyncHasMsg   SyncStatus = "hasMsg"
	SyncWait     SyncStatus = "wait"
	SyncLoginOut SyncStatus = "loginout"
	SyncResync   SyncStatus = "resync"
)

// Login poll codes returned by the login host.
const (
	loginCodeAuthorized  = 200
	loginCodeScanned     = 201
	loginCodeWaitingScan = 408
)

// syncKey is the opaque sync cursor. It must be sent back verbatim and
// replaced wholesale whenever a sync response carries a new one.
type syncKey struct {
	Count int           `json:"Count"`
	List  []syncKeyItem `json:"List"`
}

type syncKeyItem struct {
	Key int `json:"Key"`
	Val int `json:"Val"`
}

// baseRequest is the auth block required on every authenticated POST.
type baseRequest struct {
	Uin      int64  `json:"Uin"`
	Sid      string `json:"Sid"`
	Skey     string `json:"Skey"`
	DeviceID string `json:"DeviceID"`
}

type baseResponse struct {
	Ret    int    `json:"Ret"`
	ErrMsg string `json:"ErrMsg"`
}

// addMsg is the raw upstream message record. It is cached by id because
// attachment download needs upstream-only attributes (MediaId, EncryFileName).
type addMsg struct {
	MsgID         string `json:"MsgId"`
	MsgType       int    `json:"MsgType"`
	AppMsgType    int    `json:"AppMsgType"`
	FromUserName  string `json:"FromUserName"`
	ToUserName    string `json:"ToUserName"`
	Content       string `json:"Content"`
	FileName      string `json:"FileName"`
	FileSize      string `json:"FileSize"`
	MediaID       string `json:"MediaId"`
	EncryFileName string `json:"EncryFileName"`
	CreateTime    int64  `json:"CreateTime"`
}

type initResponse struct {
	BaseResponse baseResponse `json:"BaseResponse"`
	User         struct {
		UserName string `json:"UserName"`
		Uin      int64  `json:"Uin"`
	} `json:"User"`
	SyncKey syncKey `json:"SyncKey"`
}

type syncResponse struct {
	BaseResponse baseResponse `json:"BaseResponse"`
	AddMsgList   []addMsg     `json:"AddMsgList"`
	SyncKey      *syncKey     `json:"SyncKey"`
}

type sendResponse struct {
	BaseResponse baseResponse `json:"BaseResponse"`
	MsgID        string       `json:"MsgID"`
	LocalID      string       `json:"LocalID"`
}

type uploadResponse struct {
	BaseResponse baseResponse `json:"BaseResponse"`
	MediaID      string       `json:"MediaId"`
}
