package bilibili

import (
	"encoding/json"
	"fmt"

	"github.com/suisei-cn/stargazer/pkg/ingest"
)

// DynamicType is the kind of a dynamic card.
type DynamicType int

const (
	Unknown DynamicType = -1
	Forward DynamicType = 1
	Photo   DynamicType = 2
	Plain   DynamicType = 4
	Video   DynamicType = 8
)

func typeOf(v int) DynamicType {
	switch t := DynamicType(v); t {
	case Forward, Photo, Plain, Video:
		return t
	}
	return Unknown
}

func (t DynamicType) Event() string {
	switch t {
	case Forward:
		return "bili_rt_dyn"
	case Photo:
		return "bili_img_dyn"
	case Plain:
		return "bili_plain_dyn"
	case Video:
		return "bili_video"
	}
	return "bili_unknown"
}

type rawCard struct {
	Desc *struct {
		Type      *int  `json:"type" validate:"required"`
		DynamicID int64 `json:"dynamic_id" validate:"required"`
	} `json:"desc" validate:"required"`
	Card *string `json:"card" validate:"required"`
}

type forwardCard struct {
	Item *struct {
		Content  string `json:"content"`
		OrigType int    `json:"orig_type"`
		OrigDyID int64  `json:"orig_dy_id"`
	} `json:"item" validate:"required"`
	Origin *string `json:"origin" validate:"required"`
}

type photoCard struct {
	Item *struct {
		Description *string `json:"description" validate:"required"`
		Pictures    []struct {
			ImgSrc string `json:"img_src" validate:"required"`
		} `json:"pictures" validate:"required,dive"`
	} `json:"item" validate:"required"`
}

type plainCard struct {
	Item *struct {
		Content *string `json:"content" validate:"required"`
	} `json:"item" validate:"required"`
}

type videoCard struct {
	Aid   int64  `json:"aid" validate:"required"`
	Pic   string `json:"pic" validate:"required"`
	Title string `json:"title" validate:"required"`
}

// parseCard returns the dynamic id and the parsed dynamic. The id is 0 when
// the envelope itself is malformed; the dynamic is nil when the card is of
// an unknown type or its body is malformed.
func parseCard(raw json.RawMessage) (int64, *ingest.Post, error) {
	var c rawCard
	if err := json.Unmarshal(raw, &c); err != nil {
		return 0, nil, fmt.Errorf("%w: %s", ingest.ErrMalformed, err)
	}
	if err := ingest.Validate(&c); err != nil {
		return 0, nil, err
	}
	id := c.Desc.DynamicID
	dyn, err := parseBody(typeOf(*c.Desc.Type), id, *c.Card, 0)
	return id, dyn, err
}

// parseBody decodes the JSON card body of one dynamic, following forwards
// up to MaxForwardDepth levels.
func parseBody(typ DynamicType, id int64, body string, depth int) (*ingest.Post, error) {
	link := fmt.Sprintf("https://t.bilibili.com/%d", id)

	switch typ {
	case Forward:
		if depth >= MaxForwardDepth {
			return nil, fmt.Errorf("%w: forward chain deeper than %d", ingest.ErrMalformed, MaxForwardDepth)
		}
		var c forwardCard
		if err := decode(body, &c); err != nil {
			return nil, err
		}
		orig, err := parseBody(typeOf(c.Item.OrigType), c.Item.OrigDyID, *c.Origin, depth+1)
		if err != nil {
			return nil, fmt.Errorf("forwarded dynamic %d: %w", c.Item.OrigDyID, err)
		}
		if orig == nil {
			return nil, nil
		}
		return &ingest.Post{
			ID:     id,
			Type:   typ.Event(),
			Text:   c.Item.Content + "\nRT " + orig.Text,
			Images: orig.Images,
			Link:   link,
		}, nil

	case Photo:
		var c photoCard
		if err := decode(body, &c); err != nil {
			return nil, err
		}
		images := make([]string, 0, len(c.Item.Pictures))
		for _, p := range c.Item.Pictures {
			images = append(images, p.ImgSrc)
		}
		return &ingest.Post{ID: id, Type: typ.Event(), Text: *c.Item.Description, Images: images, Link: link}, nil

	case Plain:
		var c plainCard
		if err := decode(body, &c); err != nil {
			return nil, err
		}
		return &ingest.Post{ID: id, Type: typ.Event(), Text: *c.Item.Content, Images: []string{}, Link: link}, nil

	case Video:
		var c videoCard
		if err := decode(body, &c); err != nil {
			return nil, err
		}
		return &ingest.Post{
			ID:     id,
			Type:   typ.Event(),
			Text:   c.Title,
			Images: []string{c.Pic},
			Link:   fmt.Sprintf("https://www.bilibili.com/video/av%d", c.Aid),
		}, nil
	}
	return nil, nil
}

func decode(body string, v any) error {
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return fmt.Errorf("%w: %s", ingest.ErrMalformed, err)
	}
	return ingest.Validate(v)
}
