package models

import "strings"

// SpatialRefSys PostGIS 坐标系定义表
type SpatialRefSys struct {
	SRID      int    `gorm:"column:srid;primaryKey" json:"srid"`
	AuthName  string `gorm:"column:auth_name" json:"auth_name"`
	AuthSRID  int    `gorm:"column:auth_srid" json:"auth_srid"`
	SRText    string `gorm:"column:srtext" json:"srtext"`
	Proj4Text string `gorm:"column:proj4text" json:"proj4text"`
}

func (SpatialRefSys) TableName() string {
	return "spatial_ref_sys"
}

// IsGeographic 经纬度坐标系：proj4 为 longlat 或 WKT 以 GEOGCS/GEOGCRS 开头
func (s SpatialRefSys) IsGeographic() bool {
	if strings.Contains(s.Proj4Text, "+proj=longlat") {
		return true
	}
	wkt := strings.ToUpper(strings.TrimSpace(s.SRText))
	return strings.HasPrefix(wkt, "GEOGCS") || strings.HasPrefix(wkt, "GEOGCRS")
}

// Name WKT 中的坐标系名称
func (s SpatialRefSys) Name() string {
	start := strings.Index(s.SRText, `"`)
	if start < 0 {
		return ""
	}
	end := strings.Index(s.SRText[start+1:], `"`)
	if end < 0 {
		return ""
	}
	return s.SRText[start+1 : start+1+end]
}
