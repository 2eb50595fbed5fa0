package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status  int
	OrderID string
	Reason  string
	Err     error
}

type buyReq struct {
	ProductID int    `json:"product_id"`
	UserID    string `json:"user_id"`
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	productID := flag.Int("product", 1, "product id")
	preload := flag.Bool("preload", true, "call preload before test")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token for preload endpoint")
	stockCheck := flag.Bool("stock", true, "check redis stock after test")
	path := flag.String("path", "buy", "entry path: buy (sync) or enqueue (async)")

	// 超卖测试参数：200 个用户并发抢
	nUsers := flag.Int("users", 200, "distinct users")
	concurrency := flag.Int("c", 50, "max concurrency")
	burst := flag.Int("burst", 30, "requests sent by one user in the rate limit test")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	if *preload {
		// 先重置 Redis 库存，再发并发请求，避免上一轮压测的残留影响结果。
		if err := doPOST(client, fmt.Sprintf("%s/api/flash_sale/preload/%d", *baseURL, *productID), nil, map[string]string{
			"X-Admin-Token": *adminToken,
		}); err != nil {
			panic(fmt.Sprintf("preload failed: %v", err))
		}
		fmt.Println("preload ok")
	}

	// 1) 不超卖测试：不同 user 并发
	fmt.Printf("start oversell test: path=%s product=%d users=%d concurrency=%d\n", *path, *productID, *nUsers, *concurrency)
	results := run(client, *baseURL, *path, *nUsers, *concurrency, func(i int) (buyReq, string) {
		uid := fmt.Sprintf("lt-user-%d", i+1)
		return buyReq{ProductID: *productID, UserID: uid}, uid
	})
	printSummary("oversell", results)

	if *path == "enqueue" {
		waitQueued(client, *baseURL, results, 10*time.Second)
	}

	if *stockCheck {
		stock, err := getStock(client, *baseURL, *productID)
		if err != nil {
			fmt.Println("stock check err:", err)
		} else {
			fmt.Println("final redis stock:", stock)
		}
	}

	// 2) 限流测试：同一个 user 突发请求，超过令牌桶容量的部分应返回 429
	fmt.Printf("\nstart rate limit test: same user, %d requests\n", *burst)
	results2 := run(client, *baseURL, *path, *burst, *burst, func(int) (buyReq, string) {
		return buyReq{ProductID: *productID, UserID: "lt-greedy"}, "lt-greedy"
	})
	printSummary("rate_limit", results2)
}

func run(client *http.Client, baseURL, path string, total, concurrency int, gen func(i int) (buyReq, string)) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			req, identity := gen(idx)
			results[idx] = buyOnce(client, baseURL, path, req, identity)
		}(i)
	}

	wg.Wait()
	return results
}

func buyOnce(client *http.Client, baseURL, path string, req buyReq, identity string) Result {
	b, _ := json.Marshal(req)
	url := fmt.Sprintf("%s/api/flash_sale/%s", baseURL, path)
	httpReq, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-User-ID", identity)

	resp, err := client.Do(httpReq)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var out struct {
		Reason string `json:"reason"`
		Data   struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	_ = json.Unmarshal(body, &out)
	return Result{Status: resp.StatusCode, OrderID: out.Data.OrderID, Reason: out.Reason}
}

// waitQueued 轮询异步订单直到全部落终态或超时，并统计最终结果。
func waitQueued(client *http.Client, baseURL string, results []Result, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	final := map[string]int{}
	for _, r := range results {
		if r.Status != http.StatusAccepted || r.OrderID == "" {
			continue
		}
		for {
			status, err := getOrderStatus(client, baseURL, r.OrderID)
			if err == nil && status != "pending" {
				final[status]++
				break
			}
			if time.Now().After(deadline) {
				final["timeout"]++
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
	}
	fmt.Println("[enqueue] final order status:")
	for _, k := range sortedKeys(final) {
		fmt.Printf("  %s -> %d\n", k, final[k])
	}
}

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	reasons := map[string]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
		if r.Reason != "" {
			reasons[r.Reason]++
		}
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 202, 400, 404, 409, 429, 500, 503} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	for _, k := range sortedKeys(reasons) {
		fmt.Printf("  reason %s -> %d\n", k, reasons[k])
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
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

func getJSON(client *http.Client, url string, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	return json.Unmarshal(b, out)
}

// getStock 查询 Redis 中当前库存，用于压测后校验是否出现超卖。
func getStock(client *http.Client, baseURL string, productID int) (int64, error) {
	var out struct {
		Data struct {
			Stock int64 `json:"stock"`
		} `json:"data"`
	}
	err := getJSON(client, fmt.Sprintf("%s/api/flash_sale/stock/%d", baseURL, productID), &out)
	return out.Data.Stock, err
}

func getOrderStatus(client *http.Client, baseURL, orderID string) (string, error) {
	var out struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	err := getJSON(client, fmt.Sprintf("%s/api/flash_sale/orders/%s", baseURL, orderID), &out)
	return out.Data.Status, err
}
