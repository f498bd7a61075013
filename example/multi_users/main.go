package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/smtp"
	"net/url"
	"os"
	"strings"
	"time"
)

type userResponse struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type conversationsResponse struct {
	Conversations []struct {
		OtherUserEmail string `json:"otherUserEmail"`
		OtherUserName  string `json:"otherUserName"`
		ProductTitle   string `json:"productTitle"`
		LastMessage    string `json:"lastMessage"`
		UnreadCount    int    `json:"unreadCount"`
	} `json:"conversations"`
	UnreadTotal int `json:"unreadTotal"`
}

type markedResponse struct {
	Marked int64 `json:"marked"`
}

func main() {
	baseURL := getenvDefault("MARKETCHAT_URL", "http://localhost:3030")
	smtpAddr := getenvDefault("MARKETCHAT_SMTP", "")
	smtpUser := os.Getenv("SMTP_USERNAME")
	smtpPass := os.Getenv("SMTP_PASSWORD")

	buyer := "buyer@marketchat.dev"
	seller := "seller@marketchat.dev"

	// One client per user: the session cookie identifies the sender.
	buyerClient := newClient()
	sellerClient := newClient()

	fmt.Println("Logging in as", buyer)
	loginUser(buyerClient, baseURL, buyer, "Bea Buyer")
	fmt.Println("Logging in as", seller)
	loginUser(sellerClient, baseURL, seller, "Sol Seller")

	fmt.Println("Sending messages...")
	sendMessage(buyerClient, baseURL, map[string]string{
		"to":           seller,
		"productId":    "listing-42",
		"productTitle": "Road bike - 56cm",
		"text":         "Hi! Is the bike still available?",
	})
	sendMessage(sellerClient, baseURL, map[string]string{
		"to":           buyer,
		"productId":    "listing-42",
		"productTitle": "Road bike - 56cm",
		"text":         "Yes, come by on Saturday.",
	})
	sendMessage(buyerClient, baseURL, map[string]string{
		"to":   seller,
		"text": "Do you have other listings?",
	})

	if smtpAddr != "" {
		fmt.Println("Sending through the mail gateway...")
		sendSMTP(smtpAddr, smtpUser, smtpPass, seller, []string{buyer}, buildMail(seller, buyer, "listing-42", "Road bike - 56cm", "I also have a helmet."))
		time.Sleep(200 * time.Millisecond)
	}

	for name, client := range map[string]*http.Client{buyer: buyerClient, seller: sellerClient} {
		convs := listConversations(client, baseURL)
		fmt.Printf("%s unread=%d\n", name, convs.UnreadTotal)
		for _, c := range convs.Conversations {
			about := c.ProductTitle
			if about == "" {
				about = "general"
			}
			fmt.Printf("- %s (%s) [%s] unread=%d: %s\n", c.OtherUserName, c.OtherUserEmail, about, c.UnreadCount, c.LastMessage)
		}
	}

	marked := markRead(sellerClient, baseURL, buyer)
	fmt.Printf("%s marked %d messages from %s as read\n", seller, marked.Marked, buyer)
}

func newClient() *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Timeout: 10 * time.Second,
		Jar:     jar,
	}
}

func loginUser(client *http.Client, baseURL, email, name string) userResponse {
	payload, _ := json.Marshal(map[string]string{"email": email, "name": name})
	resp := mustDo(client, "POST", baseURL+"/api/login", bytes.NewReader(payload))
	defer resp.Body.Close()
	var out userResponse
	mustDecode(resp.Body, &out)
	return out
}

func sendMessage(client *http.Client, baseURL string, body map[string]string) {
	payload, _ := json.Marshal(body)
	resp := mustDo(client, "POST", baseURL+"/api/messages", bytes.NewReader(payload))
	_ = resp.Body.Close()
}

func listConversations(client *http.Client, baseURL string) conversationsResponse {
	resp := mustDo(client, "GET", baseURL+"/api/conversations?page=1&limit=20", nil)
	defer resp.Body.Close()
	var out conversationsResponse
	mustDecode(resp.Body, &out)
	return out
}

func markRead(client *http.Client, baseURL, counterpart string) markedResponse {
	endpoint := fmt.Sprintf("%s/api/conversations/%s/read", baseURL, url.PathEscape(counterpart))
	resp := mustDo(client, "POST", endpoint, nil)
	defer resp.Body.Close()
	var out markedResponse
	mustDecode(resp.Body, &out)
	return out
}

func sendSMTP(addr, username, password, from string, to []string, msg []byte) {
	var auth smtp.Auth
	if username != "" || password != "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		auth = smtp.PlainAuth("", username, password, host)
	}
	if err := smtp.SendMail(addr, auth, from, to, msg); err != nil {
		fmt.Fprintln(os.Stderr, "smtp error:", err)
	}
}

func buildMail(from, to, productID, productTitle, text string) []byte {
	headers := []string{
		"From: " + from,
		"To: " + to,
		"Subject: " + productTitle,
		"Date: " + time.Now().Format(time.RFC1123Z),
		"X-Product-Id: " + productID,
		"X-Product-Title: " + productTitle,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		text,
		"",
	}
	return []byte(strings.Join(headers, "\r\n"))
}

func mustDo(client *http.Client, method, endpoint string, body io.Reader) *http.Response {
	req, err := http.NewRequest(method, endpoint, body)
	if err != nil {
		panic(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		panic(err)
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		panic(fmt.Sprintf("request failed: %s %s: %s", method, endpoint, string(b)))
	}
	return resp
}

func mustDecode(r io.Reader, v any) {
	dec := json.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		panic(err)
	}
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
