// Package stats 汇总节点的收发流量与错误计数，供 /-/status 诊断接口输出。
package stats

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Collector 以无锁计数器记录传输统计；国家分布在配置了 GeoIP 数据库时启用。
type Collector struct {
	started time.Time

	filesSent       atomic.Int64
	filesRcvd       atomic.Int64
	bytesSent       atomic.Int64
	bytesRcvd       atomic.Int64
	txErrors        atomic.Int64
	rxErrors        atomic.Int64
	cacheHits       atomic.Int64
	cacheMisses     atomic.Int64
	openConnections atomic.Int64
	overloads       atomic.Int64

	geo       *geoip2.Reader
	countryMu sync.Mutex
	countries map[string]int64
}

// New 创建统计收集器；geoIPPath 为空时不做国家统计。
func New(geoIPPath string, logger *logrus.Logger) *Collector {
	c := &Collector{started: time.Now(), countries: map[string]int64{}}
	if geoIPPath == "" {
		return c
	}
	reader, err := geoip2.Open(geoIPPath)
	if err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"action": "stats_init",
			"path":   geoIPPath,
		}).Warn("geoip_open_failed")
		return c
	}
	c.geo = reader
	return c
}

// FileSent 记录一次成功的出站文件。
func (c *Collector) FileSent(bytes int64, cacheHit bool) {
	c.filesSent.Inc()
	c.bytesSent.Add(bytes)
	if cacheHit {
		c.cacheHits.Inc()
	} else {
		c.cacheMisses.Inc()
	}
}

// BytesSent 记录未完成文件已写出的字节数。
func (c *Collector) BytesSent(bytes int64) { c.bytesSent.Add(bytes) }

// FileReceived 记录一次完整的回源下载。
func (c *Collector) FileReceived(bytes int64) {
	c.filesRcvd.Inc()
	c.bytesRcvd.Add(bytes)
}

// TxError 记录出站写入失败（客户端断开等）。
func (c *Collector) TxError() { c.txErrors.Inc() }

// RxError 记录回源失败。
func (c *Collector) RxError() { c.rxErrors.Inc() }

// Overload 记录一次过载通知。
func (c *Collector) Overload() { c.overloads.Inc() }

// ConnectionOpened / ConnectionClosed 维护在途请求数。
func (c *Collector) ConnectionOpened() { c.openConnections.Inc() }

func (c *Collector) ConnectionClosed() { c.openConnections.Dec() }

// RecordClient 将客户端地址计入国家分布。
func (c *Collector) RecordClient(addr string) {
	if c.geo == nil {
		return
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return
	}
	record, err := c.geo.Country(ip)
	if err != nil || record.Country.IsoCode == "" {
		return
	}
	c.countryMu.Lock()
	c.countries[record.Country.IsoCode]++
	c.countryMu.Unlock()
}

// CountryCount 是国家分布中的一项。
type CountryCount struct {
	Country string `json:"country"`
	Count   int64  `json:"count"`
}

// Snapshot 是某一时刻的统计快照。
type Snapshot struct {
	UptimeSeconds   int64          `json:"uptime_seconds"`
	FilesSent       int64          `json:"files_sent"`
	FilesReceived   int64          `json:"files_received"`
	BytesSent       int64          `json:"bytes_sent"`
	BytesReceived   int64          `json:"bytes_received"`
	TxErrors        int64          `json:"tx_errors"`
	RxErrors        int64          `json:"rx_errors"`
	CacheHits       int64          `json:"cache_hits"`
	CacheMisses     int64          `json:"cache_misses"`
	OpenConnections int64          `json:"open_connections"`
	Overloads       int64          `json:"overloads"`
	Countries       []CountryCount `json:"countries,omitempty"`
}

// Snapshot 返回当前统计，国家按请求数降序排列。
func (c *Collector) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds:   int64(time.Since(c.started).Seconds()),
		FilesSent:       c.filesSent.Load(),
		FilesReceived:   c.filesRcvd.Load(),
		BytesSent:       c.bytesSent.Load(),
		BytesReceived:   c.bytesRcvd.Load(),
		TxErrors:        c.txErrors.Load(),
		RxErrors:        c.rxErrors.Load(),
		CacheHits:       c.cacheHits.Load(),
		CacheMisses:     c.cacheMisses.Load(),
		OpenConnections: c.openConnections.Load(),
		Overloads:       c.overloads.Load(),
	}
	c.countryMu.Lock()
	for country, count := range c.countries {
		snap.Countries = append(snap.Countries, CountryCount{Country: country, Count: count})
	}
	c.countryMu.Unlock()
	sort.Slice(snap.Countries, func(i, j int) bool {
		if snap.Countries[i].Count == snap.Countries[j].Count {
			return snap.Countries[i].Country < snap.Countries[j].Country
		}
		return snap.Countries[i].Count > snap.Countries[j].Count
	})
	return snap
}

// Close 释放 GeoIP 数据库。
func (c *Collector) Close() error {
	if c.geo == nil {
		return nil
	}
	return c.geo.Close()
}
