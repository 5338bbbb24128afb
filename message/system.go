package message

import "fmt"

// Notice texts shown as system messages.
const (
	TextJoined          = "%s님이 입장했습니다."
	TextLeft            = "%s님이 퇴장했습니다."
	TextAIJoined        = "%s님이 대화에 참여했습니다."
	TextLoadFailed      = "메시지를 불러오지 못했습니다."
	TextTransportFailed = "서버와 통신 중 오류가 발생했습니다."
	TextClosed          = "연결이 종료되었습니다."
)

// NewSystem builds a local notice for roomID. System messages carry no
// timestamp and a client-generated id.
func NewSystem(roomID, text string) Message {
	return Message{
		ID:     NewLocalID(),
		RoomID: roomID,
		Text:   text,
		Origin: OriginSystem,
	}
}

func Joined(roomID, name string) Message {
	return NewSystem(roomID, fmt.Sprintf(TextJoined, name))
}

func Left(roomID, name string) Message {
	return NewSystem(roomID, fmt.Sprintf(TextLeft, name))
}

func AIJoined(roomID, name string) Message {
	return NewSystem(roomID, fmt.Sprintf(TextAIJoined, name))
}

// LoadFailed is the notice appended when the history fetch fails. Messages
// already in the log stay.
func LoadFailed(roomID string) Message {
	return NewSystem(roomID, TextLoadFailed)
}

// Failure carries an error text reported by the server or the transport.
// An empty text falls back to the generic transport failure notice.
func Failure(roomID, text string) Message {
	if text == "" {
		text = TextTransportFailed
	}
	return NewSystem(roomID, text)
}
