package rpc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	minXResPattern = regexp.MustCompile(`^(org|\d+)$`)
	hashPattern    = regexp.MustCompile(`^[a-f0-9]{40}$`)
)

// GalleryFile 是画廊中的单个页面。Hash 为 nil 表示服务器未给出校验值。
type GalleryFile struct {
	Page      int     `json:"page"`
	FileIndex int     `json:"file_index"`
	XRes      string  `json:"xres"`
	Hash      *string `json:"hash,omitempty"`
	Type      string  `json:"type"`
	FileName  string  `json:"file_name"`
}

// GalleryInfo 描述一个待下载画廊。
type GalleryInfo struct {
	GalleryID int           `json:"gallery_id"`
	FileCount int           `json:"file_count"`
	MinXRes   string        `json:"min_xres"`
	Title     string        `json:"title"`
	Pages     []GalleryFile `json:"pages"`
	About     string        `json:"about"`
}

type gallerySection int

const (
	sectionInfo gallerySection = iota
	sectionFiles
	sectionAbout
)

// ParseGallery 按 Info → FILELIST → INFORMATION 三段语法解析画廊描述。
// 页码从 1 开始且必须完整覆盖 [1, FILECOUNT]。
func ParseGallery(lines []string) (*GalleryInfo, error) {
	info := &GalleryInfo{}
	section := sectionInfo
	var about strings.Builder
	countSeen := false

	for _, line := range lines {
		switch section {
		case sectionInfo:
			if line == "FILELIST" {
				if !countSeen {
					return nil, fmt.Errorf("gallery: FILELIST before valid FILECOUNT")
				}
				info.Pages = make([]GalleryFile, info.FileCount)
				section = sectionFiles
				continue
			}
			if err := info.applyInfoLine(line); err != nil {
				return nil, err
			}
			if strings.HasPrefix(line, "FILECOUNT ") {
				countSeen = true
			}
		case sectionFiles:
			if line == "INFORMATION" {
				section = sectionAbout
				continue
			}
			if err := info.applyFileLine(line); err != nil {
				return nil, err
			}
		case sectionAbout:
			about.WriteString(line)
			about.WriteString("\n")
		}
	}

	if section == sectionInfo {
		return nil, fmt.Errorf("gallery: missing FILELIST")
	}
	for i, page := range info.Pages {
		if page.Page == 0 {
			return nil, fmt.Errorf("gallery: page %d missing", i+1)
		}
	}
	info.About = about.String()
	return info, nil
}

func (g *GalleryInfo) applyInfoLine(line string) error {
	key, value, _ := strings.Cut(line, " ")
	value = strings.TrimSpace(value)
	switch key {
	case "GID":
		gid, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("gallery: bad GID %q", value)
		}
		g.GalleryID = gid
	case "FILECOUNT":
		count, err := strconv.Atoi(value)
		if err != nil || count < 0 {
			return fmt.Errorf("gallery: bad FILECOUNT %q", value)
		}
		g.FileCount = count
	case "MINXRES":
		if !minXResPattern.MatchString(value) {
			return fmt.Errorf("gallery: bad MINXRES %q", value)
		}
		g.MinXRes = value
	case "TITLE":
		g.Title = value
	}
	return nil
}

func (g *GalleryInfo) applyFileLine(line string) error {
	parts := strings.SplitN(line, " ", 6)
	if len(parts) != 6 {
		return fmt.Errorf("gallery: malformed file line %q", line)
	}
	page, err := strconv.Atoi(parts[0])
	if err != nil || page < 1 || page > len(g.Pages) {
		return fmt.Errorf("gallery: page out of range in %q", line)
	}
	fileIndex, err := strconv.Atoi(parts[1])
	if err != nil {
		return fmt.Errorf("gallery: bad file index in %q", line)
	}

	file := GalleryFile{
		Page:      page,
		FileIndex: fileIndex,
		XRes:      parts[2],
		Type:      parts[4],
		FileName:  parts[5],
	}
	if hash := parts[3]; hash != "unknown" {
		if !hashPattern.MatchString(hash) {
			return fmt.Errorf("gallery: bad hash in %q", line)
		}
		file.Hash = &hash
	}
	g.Pages[page-1] = file
	return nil
}

// DirName 返回画廊完成后的目录名 "<gid>_<minxres>"。
func (g *GalleryInfo) DirName() string {
	return fmt.Sprintf("%d_%s", g.GalleryID, g.MinXRes)
}
