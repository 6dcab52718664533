package cache

import (
	"fmt"
	"path"
	"regexp"
	"strconv"

	"github.com/hath-node/hath-node/internal/errkind"
)

var fileIDPattern = regexp.MustCompile(`^([a-f0-9]{40})-([0-9]{1,8})-([0-9]{1,5})-([0-9]{1,5})-(jpg|png|gif|wbm)$`)

// RequestedFile 是文件身份（hash/size/分辨率/类型）加上请求级的服务上下文。
// 只有身份字段参与 FileID 与存储路径的推导。
type RequestedFile struct {
	Hash string
	Size int
	XRes int
	YRes int
	Type string

	FileIndex int
	FileName  string
	XResType  string
}

// ParseFileID 解析 "hash-size-xres-yres-type" 形式的文件标识。
func ParseFileID(id string) (RequestedFile, error) {
	m := fileIDPattern.FindStringSubmatch(id)
	if m == nil {
		return RequestedFile{}, errkind.New(errkind.Validation, "parse_file_id", fmt.Errorf("malformed file id %q", id))
	}
	size, _ := strconv.Atoi(m[2])
	xres, _ := strconv.Atoi(m[3])
	yres, _ := strconv.Atoi(m[4])
	return RequestedFile{Hash: m[1], Size: size, XRes: xres, YRes: yres, Type: m[5]}, nil
}

// FileID 返回文件的规范标识。
func (f RequestedFile) FileID() string {
	return fmt.Sprintf("%s-%d-%d-%d-%s", f.Hash, f.Size, f.XRes, f.YRes, f.Type)
}

// RelativePath 返回两级哈希目录下的相对存储路径（斜杠分隔）。
func (f RequestedFile) RelativePath() string {
	return path.Join(f.Hash[0:2], f.Hash[2:4], f.FileID())
}

// StaticRange 返回文件所属的静态分区（哈希前 4 位）。
func (f RequestedFile) StaticRange() string {
	return f.Hash[0:4]
}

// MimeType 根据类型后缀推断 Content-Type。
func (f RequestedFile) MimeType() string {
	switch f.Type {
	case "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "wbm":
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}

// Identity 返回去掉服务上下文后的文件身份，便于比较。
func (f RequestedFile) Identity() RequestedFile {
	return RequestedFile{Hash: f.Hash, Size: f.Size, XRes: f.XRes, YRes: f.YRes, Type: f.Type}
}
