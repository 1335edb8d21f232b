package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Result 记录单次请求的 HTTP 结果与业务码，便于聚合统计。
type Result struct {
	Status int
	Code   int
	Err    error
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	voucherID := flag.Int64("voucher", 1, "seckill voucher id")
	shopID := flag.Int64("shop", 1, "shop id for the cache stampede test")
	preload := flag.Bool("preload", true, "call preload before test")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token for preload endpoint")
	stockCheck := flag.Bool("stock", true, "check redis stock after test")

	// 超卖测试参数：200 个用户并发抢
	nUsers := flag.Int("users", 200, "distinct users")
	concurrency := flag.Int("c", 50, "max concurrency")
	shopReads := flag.Int("shop-reads", 500, "concurrent shop detail reads, 0 to skip")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	if *preload {
		// 先预热 Redis 库存，再发并发请求，避免库存 key 缺失导致测试偏差。
		url := fmt.Sprintf("%s/api/voucher/seckill/%d/preload", *baseURL, *voucherID)
		if err := doPOST(client, url, nil, map[string]string{"X-Admin-Token": *adminToken}); err != nil {
			panic(fmt.Sprintf("preload failed: %v", err))
		}
		fmt.Println("preload ok")
	}

	// 1) 不超卖测试：不同 user 并发
	fmt.Printf("start oversell test: voucher=%d users=%d concurrency=%d\n", *voucherID, *nUsers, *concurrency)
	results := run(*nUsers, *concurrency, func(i int) Result {
		return buyOnce(client, *baseURL, *voucherID, int64(i+1))
	})
	printSummary("oversell", results)

	if *stockCheck {
		stock, err := getStock(client, *baseURL, *voucherID)
		if err != nil {
			fmt.Println("stock check err:", err)
		} else {
			fmt.Println("final redis stock:", stock)
		}
	}

	// 2) 一人一单：同一个 user 并发重复抢，最多 1 个 code=0
	fmt.Println("\nstart one-per-user test: same user (10001), 50 requests, concurrency 50")
	results = run(50, 50, func(int) Result {
		return buyOnce(client, *baseURL, *voucherID, 10001)
	})
	printSummary("one_per_user", results)

	// 3) 缓存击穿：热点商铺并发读
	if *shopReads > 0 {
		fmt.Printf("\nstart shop stampede test: shop=%d reads=%d concurrency=%d\n", *shopID, *shopReads, *concurrency)
		start := time.Now()
		results = run(*shopReads, *concurrency, func(int) Result {
			return getOnce(client, fmt.Sprintf("%s/api/shop/%d", *baseURL, *shopID))
		})
		printSummary("shop_detail", results)
		fmt.Printf("  elapsed -> %v\n", time.Since(start))
	}
}

// run 以 concurrency 为上限并发执行 n 次 fn。
func run(n, concurrency int, fn func(i int) Result) []Result {
	results := make([]Result, n)
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			results[i] = fn(i)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func buyOnce(client *http.Client, baseURL string, voucherID, userID int64) Result {
	b, _ := json.Marshal(map[string]int64{"user_id": userID})
	url := fmt.Sprintf("%s/api/voucher-order/seckill/%d", baseURL, voucherID)
	httpReq, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	httpReq.Header.Set("Content-Type", "application/json")
	return do(client, httpReq)
}

func getOnce(client *http.Client, url string) Result {
	httpReq, _ := http.NewRequest(http.MethodGet, url, nil)
	return do(client, httpReq)
}

func do(client *http.Client, req *http.Request) Result {
	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var out struct {
		Code int `json:"code"`
	}
	_ = json.Unmarshal(body, &out)
	return Result{Status: resp.StatusCode, Code: out.Code}
}

// printSummary 聚合输出 HTTP 状态码与业务码分布。
func printSummary(name string, results []Result) {
	type key struct{ status, code int }
	count := map[key]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[key{r.Status, r.Code}]++
	}
	keys := make([]key, 0, len(count))
	for k := range count {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].status != keys[j].status {
			return keys[i].status < keys[j].status
		}
		return keys[i].code < keys[j].code
	})

	fmt.Printf("[%s] status/code summary:\n", name)
	for _, k := range keys {
		fmt.Printf("  %d code=%d -> %d\n", k.status, k.code, count[k])
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

// doPOST 发送 POST 请求（支持附加请求头）。
func doPOST(client *http.Client, url string, body any, headers map[string]string) error {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(http.MethodPost, url, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}

// getStock 查询 Redis 中当前库存，用于压测后校验是否出现超卖。
func getStock(client *http.Client, baseURL string, voucherID int64) (int64, error) {
	url := fmt.Sprintf("%s/api/voucher/seckill/%d/stock", baseURL, voucherID)
	resp, err := client.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}

	var out struct {
		Code int `json:"code"`
		Data struct {
			Stock int64 `json:"stock"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return 0, err
	}
	return out.Data.Stock, nil
}
