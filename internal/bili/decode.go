package bili

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"bilirelay/internal/model"
)

// ErrEmptyPayload is returned when a snapshot has no bytes at all.
var ErrEmptyPayload = errors.New("bili: empty payload")

// flexInt accepts both JSON numbers and numeric strings; anything else
// (including null) decodes to 0.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		if fl, ferr := strconv.ParseFloat(s, 64); ferr == nil {
			*f = flexInt(fl)
			return nil
		}
		*f = 0
		return nil
	}
	*f = flexInt(n)
	return nil
}

// flexString keeps the textual form of a string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(string(b))
	return nil
}

// Wire shapes. Every container is a pointer so an absent block stays nil.

type wireFeed struct {
	Items []wireItem `json:"items"`
}

type wireItem struct {
	IDStr   flexString   `json:"id_str"`
	Type    string       `json:"type"`
	Basic   *wireBasic   `json:"basic"`
	Modules *wireModules `json:"modules"`
	Orig    *wireItem    `json:"orig"`
}

type wireBasic struct {
	JumpURL *string `json:"jump_url"`
}

type wireModules struct {
	Author  *wireAuthor  `json:"module_author"`
	Dynamic *wireDynamic `json:"module_dynamic"`
}

type wireAuthor struct {
	Name  string  `json:"name"`
	PubTS flexInt `json:"pub_ts"`
}

type wireDynamic struct {
	Desc  *wireText  `json:"desc"`
	Major *wireMajor `json:"major"`
}

type wireText struct {
	Text string `json:"text"`
}

type wireMajor struct {
	Type     string          `json:"type"`
	Archive  *wireArchive    `json:"archive"`
	Opus     *wireOpus       `json:"opus"`
	LiveRcmd json.RawMessage `json:"live_rcmd"`
}

type wireArchive struct {
	Title   string `json:"title"`
	Cover   string `json:"cover"`
	JumpURL string `json:"jump_url"`
	Desc    string `json:"desc"`
}

type wireOpus struct {
	Title   string    `json:"title"`
	Summary *wireText `json:"summary"`
	JumpURL string    `json:"jump_url"`
}

type wireLive struct {
	RoomInfo *struct {
		RoomID        flexString `json:"room_id"`
		Title         string     `json:"title"`
		Cover         string     `json:"cover"`
		LiveStartTime flexString `json:"live_start_time"`
	} `json:"room_info"`
	AnchorInfo *struct {
		BaseInfo *struct {
			Uname string `json:"uname"`
		} `json:"base_info"`
	} `json:"anchor_info"`
}

// DecodeFeed turns the raw dynamics payload into a typed snapshot.
//
// Only structurally broken JSON is an error; missing optional fields become
// zero values.
func DecodeFeed(raw []byte) (model.FeedSnapshot, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return model.FeedSnapshot{}, ErrEmptyPayload
	}
	var w wireFeed
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.FeedSnapshot{}, fmt.Errorf("decode feed: %w", err)
	}
	out := model.FeedSnapshot{Items: make([]model.FeedItem, 0, len(w.Items))}
	for i := range w.Items {
		out.Items = append(out.Items, convertItem(&w.Items[i]))
	}
	return out, nil
}

func convertItem(w *wireItem) model.FeedItem {
	it := model.FeedItem{
		ID:   string(w.IDStr),
		Type: w.Type,
	}
	if w.Type == model.TypeForward {
		it.Kind = model.KindForward
	}
	if w.Basic != nil && w.Basic.JumpURL != nil {
		it.HasJumpURL = true
		it.JumpURL = *w.Basic.JumpURL
	}
	if w.Modules != nil {
		if a := w.Modules.Author; a != nil {
			it.AuthorName = a.Name
			it.PublishTS = int64(a.PubTS)
		}
		if d := w.Modules.Dynamic; d != nil {
			if d.Desc != nil {
				it.Desc = d.Desc.Text
			}
			if d.Major != nil {
				it.Major = convertMajor(d.Major)
			}
		}
	}
	if w.Orig != nil {
		orig := convertItem(w.Orig)
		it.Orig = &orig
	}
	return it
}

func convertMajor(w *wireMajor) *model.Major {
	m := &model.Major{Type: w.Type}
	if w.Archive != nil {
		m.Archive = &model.Archive{
			Title:   w.Archive.Title,
			Cover:   w.Archive.Cover,
			JumpURL: w.Archive.JumpURL,
			Desc:    w.Archive.Desc,
		}
	}
	if w.Opus != nil {
		m.Opus = &model.Opus{Title: w.Opus.Title, JumpURL: w.Opus.JumpURL}
		if w.Opus.Summary != nil {
			m.Opus.Summary = w.Opus.Summary.Text
		}
	}
	// The key's presence is the marker, even when its value is null.
	m.LiveRcmd = w.LiveRcmd != nil || w.Type == "MAJOR_TYPE_LIVE_RCMD"
	return m
}

// DecodeLiveRoom turns the raw room-info payload into a typed snapshot.
// An absent live_start_time decodes to the offline marker.
func DecodeLiveRoom(raw []byte) (model.LiveRoomSnapshot, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return model.LiveRoomSnapshot{}, ErrEmptyPayload
	}
	var w wireLive
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.LiveRoomSnapshot{}, fmt.Errorf("decode live room: %w", err)
	}
	out := model.LiveRoomSnapshot{LiveStartTime: model.Offline}
	if ri := w.RoomInfo; ri != nil {
		out.RoomID = string(ri.RoomID)
		out.Title = ri.Title
		out.CoverURL = ri.Cover
		if ri.LiveStartTime != "" {
			out.LiveStartTime = string(ri.LiveStartTime)
		}
	}
	if ai := w.AnchorInfo; ai != nil && ai.BaseInfo != nil {
		out.AnchorName = ai.BaseInfo.Uname
	}
	return out, nil
}
