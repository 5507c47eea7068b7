// Package capture перехватывает ответы ленты и сводит их с постами, которые участник действительно видел.
package capture

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"feedAudit/internal/feed"

	"github.com/abadojack/whatlanggo"
	"github.com/antchfx/htmlquery"
)

var (
	errNoItemData  = errors.New("на странице нет данных поста")
	errMissingID   = errors.New("в посте нет идентификатора")
	errMissingUser = errors.New("в посте нет автора")
)

// flexString принимает идентификатор и строкой, и числом.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*s = ""
	case len(data) > 0 && data[0] == '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*s = flexString(n.String())
	}
	return nil
}

type Author struct {
	ID       flexString `json:"id"`
	UniqueID string     `json:"uniqueId"`
	Nickname string     `json:"nickname"`
}

type AuthorStats struct {
	FollowerCount  int64 `json:"followerCount"`
	FollowingCount int64 `json:"followingCount"`
	HeartCount     int64 `json:"heartCount"`
	VideoCount     int64 `json:"videoCount"`
	DiggCount      int64 `json:"diggCount"`
}

type Music struct {
	ID       flexString `json:"id"`
	Title    string     `json:"title"`
	Duration float64    `json:"duration"`
}

type Video struct {
	Duration float64 `json:"duration"`
}

type Stats struct {
	DiggCount    int64 `json:"diggCount"`
	ShareCount   int64 `json:"shareCount"`
	CommentCount int64 `json:"commentCount"`
	PlayCount    int64 `json:"playCount"`
}

type TextTag struct {
	HashtagID   flexString `json:"hashtagId"`
	HashtagName string     `json:"hashtagName"`
	IsCommerce  bool       `json:"isCommerce"`
}

// RawItem - пост в том виде, в каком его отдаёт платформа.
type RawItem struct {
	ID          flexString  `json:"id"`
	Desc        string      `json:"desc"`
	IsAd        bool        `json:"isAd"`
	Author      Author      `json:"author"`
	AuthorStats AuthorStats `json:"authorStats"`
	Music       Music       `json:"music"`
	Video       Video       `json:"video"`
	Stats       Stats       `json:"stats"`
	TextExtra   []TextTag   `json:"textExtra"`
}

func (r RawItem) ItemID() string { return string(r.ID) }

func (r RawItem) validate() error {
	if r.ID == "" {
		return errMissingID
	}
	if r.Author.ID == "" {
		return fmt.Errorf("%w: %s", errMissingUser, r.ID)
	}
	return nil
}

// audioID возвращает пусто для постов без трека: платформа присылает "" или "0".
func (r RawItem) audioID() string {
	if r.Music.ID == "0" {
		return ""
	}
	return string(r.Music.ID)
}

func (r RawItem) tagNames() []string {
	names := make([]string, 0, len(r.TextExtra))
	for _, t := range r.TextExtra {
		if t.HashtagName != "" {
			names = append(names, t.HashtagName)
		}
	}
	return names
}

// Meta - сведения для движка ленты.
func (r RawItem) Meta() feed.Meta {
	return feed.Meta{
		CreatorID:       string(r.Author.ID),
		CreatorUniqueID: r.Author.UniqueID,
		AudioID:         r.audioID(),
		Tags:            r.tagNames(),
		Duration:        r.Video.Duration,
	}
}

// decodeFeedList разбирает ответ списка ленты. Битые посты отбрасываются по одному
// и возвращаются счётчиком dropped; ошибка означает, что не разобран весь ответ.
func decodeFeedList(body []byte) (items []RawItem, dropped int, err error) {
	var envelope struct {
		ItemList []json.RawMessage `json:"itemList"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, 0, fmt.Errorf("decode item list: %w", err)
	}

	for _, raw := range envelope.ItemList {
		var item RawItem
		if err := json.Unmarshal(raw, &item); err != nil {
			dropped++
			continue
		}
		if item.validate() != nil {
			dropped++
			continue
		}
		items = append(items, item)
	}
	return items, dropped, nil
}

type itemInfo struct {
	ItemInfo struct {
		ItemStruct RawItem `json:"itemStruct"`
	} `json:"itemInfo"`
}

// DecodeItemPage извлекает пост из HTML страницы поста.
// Поддерживаются обе разметки платформы: __NEXT_DATA__ и __UNIVERSAL_DATA_FOR_REHYDRATION__.
func DecodeItemPage(html string) (RawItem, error) {
	doc, err := htmlquery.Parse(strings.NewReader(html))
	if err != nil {
		return RawItem{}, fmt.Errorf("parse item page: %w", err)
	}

	if node := htmlquery.FindOne(doc, `//script[@id="__NEXT_DATA__"]`); node != nil {
		var data struct {
			Props struct {
				PageProps itemInfo `json:"pageProps"`
			} `json:"props"`
		}
		if err := json.Unmarshal([]byte(htmlquery.InnerText(node)), &data); err != nil {
			return RawItem{}, fmt.Errorf("decode __NEXT_DATA__: %w", err)
		}
		item := data.Props.PageProps.ItemInfo.ItemStruct
		return item, item.validate()
	}

	if node := htmlquery.FindOne(doc, `//script[@id="__UNIVERSAL_DATA_FOR_REHYDRATION__"]`); node != nil {
		var data struct {
			Scope map[string]json.RawMessage `json:"__DEFAULT_SCOPE__"`
		}
		if err := json.Unmarshal([]byte(htmlquery.InnerText(node)), &data); err != nil {
			return RawItem{}, fmt.Errorf("decode rehydration data: %w", err)
		}
		detail, ok := data.Scope["webapp.video-detail"]
		if !ok {
			return RawItem{}, errNoItemData
		}
		var info itemInfo
		if err := json.Unmarshal(detail, &info); err != nil {
			return RawItem{}, fmt.Errorf("decode video detail: %w", err)
		}
		item := info.ItemInfo.ItemStruct
		return item, item.validate()
	}

	return RawItem{}, errNoItemData
}

// ItemURL собирает адрес страницы поста.
func ItemURL(baseURL, creatorUniqueID, itemID string) string {
	return strings.TrimRight(baseURL, "/") + "/@" + creatorUniqueID + "/video/" + itemID
}

var mentionPattern = regexp.MustCompile(`[#@]\S+`)

// DetectLanguage возвращает ISO 639-1 код языка описания или пусто, если определение ненадёжно.
// Хэштеги и упоминания не учитываются.
func DetectLanguage(text string) string {
	text = strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
	if text == "" {
		return ""
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}
