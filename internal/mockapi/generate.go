package mockapi

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const maxUploadBytes = 10 << 20

type generateBody struct {
	UserInput    string `json:"userInput"`
	Instructions string `json:"instructions"`
	ProductID    string `json:"productId"`
	PageID       string `json:"pageId"`
}

func readGenerateBody(c *gin.Context) (generateBody, error) {
	var body generateBody
	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.ShouldBindJSON(&body); err != nil {
			return body, err
		}
		return body, nil
	}

	body.Instructions = c.PostForm("instructions")
	body.ProductID = c.PostForm("productId")
	body.PageID = c.PostForm("pageId")
	fh, err := c.FormFile("file")
	if err != nil {
		return body, fmt.Errorf("file is required: %w", err)
	}
	f, err := fh.Open()
	if err != nil {
		return body, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		return body, err
	}
	body.UserInput = string(data)
	return body, nil
}

func (s *Server) handleGenerate(c *gin.Context) {
	body, err := readGenerateBody(c)
	if err != nil {
		message(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	productID := c.GetHeader(productHeader)
	if productID == "" {
		productID = body.ProductID
	}
	if strings.TrimSpace(body.UserInput) == "" {
		message(c, http.StatusBadRequest, "Input is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, g, ok := s.usableGrantLocked(c, productID)
	if !ok {
		return
	}
	var page Page
	if body.PageID != "" {
		page, ok = s.pages[body.PageID]
		if !ok {
			message(c, http.StatusNotFound, "Page not found")
			return
		}
		if !page.allows(productID) {
			message(c, http.StatusForbidden, "This page is not part of the selected product")
			return
		}
	}
	if g.RemainingUsage <= 0 {
		message(c, http.StatusForbidden, "Usage limit reached for this product")
		return
	}

	output := s.generate(page, body.Instructions, body.UserInput)
	g.RemainingUsage--
	g.UsageCount++
	c.JSON(http.StatusOK, gin.H{
		"output":         output,
		"remainingUsage": g.RemainingUsage,
		"usageCount":     g.UsageCount,
	})
}

// defaultGenerate echoes a short structured summary in the **section**
// layout the client formats.
func defaultGenerate(page Page, instructions, input string) string {
	title := page.Name
	if title == "" {
		title = "Result"
	}
	words := strings.Fields(input)
	preview := words
	if len(preview) > 8 {
		preview = preview[:8]
	}
	firstInstruction := strings.TrimSpace(strings.SplitN(instructions, ".", 2)[0])
	if firstInstruction == "" {
		firstInstruction = "none"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%s**\n", title)
	fmt.Fprintf(&b, "**Input: %d words - %d characters**\n", len(words), len(input))
	fmt.Fprintf(&b, "**Instructions: %s**\n", firstInstruction)
	fmt.Fprintf(&b, "**Preview: %s**", strings.Join(preview, " "))
	return b.String()
}
