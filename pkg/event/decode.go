package event

import (
	"fmt"

	"github.com/go-go-golems/lchbot/pkg/jsonx"
)

// Decode classifies one parsed JSON object into a typed Event. It returns
// nil when post_type is missing or unknown; such payloads are not events.
func Decode(obj map[string]any) *Event {
	postType := jsonx.Str(obj, "post_type", "")
	ev := &Event{
		PostType: postType,
		Time:     jsonx.I64(obj, "time", 0),
		SelfID:   jsonx.I64(obj, "self_id", 0),
		Raw:      obj,
	}

	switch postType {
	case "message", "message_sent":
		ev.Kind = KindMessage
		ev.Message = decodeMessage(obj)
	case "notice":
		ev.Kind = KindNotice
		ev.Notice = decodeNotice(obj)
	case "request":
		ev.Kind = KindRequest
		ev.Request = decodeRequest(obj)
	case "meta_event":
		ev.Kind = KindMeta
		ev.Meta = decodeMeta(obj)
	default:
		return nil
	}
	return ev
}

func decodeMessage(obj map[string]any) *MessageEvent {
	m := &MessageEvent{
		SubType:    jsonx.Str(obj, "sub_type", ""),
		MessageID:  jsonx.I32(obj, "message_id", 0),
		UserID:     jsonx.I64(obj, "user_id", 0),
		GroupID:    jsonx.I64(obj, "group_id", 0),
		RawMessage: jsonx.Str(obj, "raw_message", ""),
	}
	if jsonx.Str(obj, "message_type", "") == "group" {
		m.Kind = MessageGroup
	} else {
		m.Kind = MessagePrivate
	}

	m.Segments = decodeSegments(obj["message"])

	if sender := jsonx.Obj(obj, "sender"); sender != nil {
		m.Sender = Sender{
			UserID:   jsonx.I64(sender, "user_id", 0),
			Nickname: jsonx.Str(sender, "nickname", ""),
			Card:     jsonx.Str(sender, "card", ""),
			Role:     jsonx.Str(sender, "role", ""),
		}
	}
	return m
}

// decodeSegments accepts both wire forms of the message field: an array of
// segment objects, or a bare string which becomes a single text segment.
func decodeSegments(raw any) []Segment {
	switch msg := raw.(type) {
	case string:
		return []Segment{{Type: "text", Data: map[string]string{"text": msg}}}
	case []any:
		segs := make([]Segment, 0, len(msg))
		for _, e := range msg {
			seg, ok := e.(map[string]any)
			if !ok {
				continue
			}
			s := Segment{Type: jsonx.Str(seg, "type", ""), Data: map[string]string{}}
			for k, v := range jsonx.Obj(seg, "data") {
				switch vv := v.(type) {
				case string:
					s.Data[k] = vv
				case int64:
					s.Data[k] = fmt.Sprintf("%d", vv)
				case float64:
					s.Data[k] = fmt.Sprintf("%g", vv)
				}
			}
			segs = append(segs, s)
		}
		return segs
	}
	return nil
}

var noticeKinds = map[string]NoticeKind{
	"group_upload":   NoticeGroupUpload,
	"group_admin":    NoticeGroupAdmin,
	"group_decrease": NoticeGroupDecrease,
	"group_increase": NoticeGroupIncrease,
	"group_ban":      NoticeGroupBan,
	"friend_add":     NoticeFriendAdd,
	"group_recall":   NoticeGroupRecall,
	"friend_recall":  NoticeFriendRecall,
	"notify":         NoticeNotify,
}

func decodeNotice(obj map[string]any) *NoticeEvent {
	noticeType := jsonx.Str(obj, "notice_type", "")
	return &NoticeEvent{
		Kind:       noticeKinds[noticeType], // zero value is NoticeUnknown
		NoticeType: noticeType,
		UserID:     jsonx.I64(obj, "user_id", 0),
		GroupID:    jsonx.I64(obj, "group_id", 0),
		OperatorID: jsonx.I64(obj, "operator_id", 0),
		TargetID:   jsonx.I64(obj, "target_id", 0),
		Duration:   jsonx.I64(obj, "duration", 0),
		MessageID:  jsonx.I64(obj, "message_id", 0),
	}
}

func decodeRequest(obj map[string]any) *RequestEvent {
	requestType := jsonx.Str(obj, "request_type", "")
	r := &RequestEvent{
		RequestType: requestType,
		SubType:     jsonx.Str(obj, "sub_type", ""),
		UserID:      jsonx.I64(obj, "user_id", 0),
		GroupID:     jsonx.I64(obj, "group_id", 0),
		Comment:     jsonx.Str(obj, "comment", ""),
		Flag:        jsonx.Str(obj, "flag", ""),
	}
	switch requestType {
	case "friend":
		r.Kind = RequestFriend
	case "group":
		r.Kind = RequestGroup
	default:
		r.Kind = RequestUnknown
	}
	return r
}

func decodeMeta(obj map[string]any) *MetaEvent {
	metaType := jsonx.Str(obj, "meta_event_type", "")
	m := &MetaEvent{
		MetaType: metaType,
		SubType:  jsonx.Str(obj, "sub_type", ""),
		Interval: jsonx.I64(obj, "interval", 0),
	}
	switch metaType {
	case "lifecycle":
		m.Kind = MetaLifecycle
	case "heartbeat":
		m.Kind = MetaHeartbeat
	default:
		m.Kind = MetaUnknown
	}
	return m
}
