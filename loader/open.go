package loader

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archiver/v3"
)

// Open 按扩展名打开数据源：.shp、.geojson/.json，以及包含它们的 .zip/.rar 压缩包
func Open(path string) (Dataset, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		s, err := OpenShapefile(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case ".geojson", ".json":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		g, err := ReadGeoJSON(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return g, nil
	case ".zip", ".rar":
		return openArchive(path)
	}
	return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
}

// archiveDataset 解压后的数据源，关闭时删除临时目录
type archiveDataset struct {
	Dataset
	dir string
}

func (a *archiveDataset) Close() error {
	err := a.Dataset.Close()
	if rmErr := os.RemoveAll(a.dir); err == nil {
		err = rmErr
	}
	return err
}

func openArchive(path string) (Dataset, error) {
	dir, err := os.MkdirTemp("", "vectorlayer-*")
	if err != nil {
		return nil, err
	}
	if err := archiver.Unarchive(path, dir); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("unarchive %s: %w", path, err)
	}
	inner, err := findDataset(dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	ds, err := Open(inner)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return &archiveDataset{Dataset: ds, dir: dir}, nil
}

// findDataset 在目录中查找第一个数据文件，shapefile 优先
func findDataset(dir string) (string, error) {
	var shpPath, jsonPath string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".shp":
			if shpPath == "" {
				shpPath = p
			}
		case ".geojson", ".json":
			if jsonPath == "" {
				jsonPath = p
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if shpPath != "" {
		return shpPath, nil
	}
	if jsonPath != "" {
		return jsonPath, nil
	}
	return "", ErrUnsupportedFormat
}
