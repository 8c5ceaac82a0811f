package provider

import (
	"math/big"
	"strings"

	"github.com/Sternrassler/nft-collection-archiver/pkg/asset"
)

// collectionPage is the getNFTsForCollection response body.
type collectionPage struct {
	NFTs      *[]nftRecord `json:"nfts"`
	NextToken string       `json:"nextToken"`
}

type nftRecord struct {
	ID *struct {
		TokenID string `json:"tokenId"`
	} `json:"id"`
	Media []struct {
		Gateway string `json:"gateway"`
		Raw     string `json:"raw"`
	} `json:"media"`
	Metadata *struct {
		Image string `json:"image"`
	} `json:"metadata"`
}

// contractMetadataResponse is the getContractMetadata response body.
type contractMetadataResponse struct {
	Address          string `json:"address"`
	ContractMetadata *struct {
		Name        string `json:"name"`
		Symbol      string `json:"symbol"`
		TotalSupply string `json:"totalSupply"`
		TokenType   string `json:"tokenType"`
	} `json:"contractMetadata"`
}

// Page is one decoded page of collection items.
type Page struct {
	Items []asset.Ref

	// NextToken is the start token of the following page, nil on the last page.
	NextToken *big.Int
}

// Metadata describes a collection.
type Metadata struct {
	Name        string
	Symbol      string
	TotalSupply string
	TokenType   string
}

// assetURI picks the first usable asset location of a record.
func (r nftRecord) assetURI() string {
	if len(r.Media) > 0 {
		if u := strings.TrimSpace(r.Media[0].Gateway); u != "" {
			return u
		}
		if u := strings.TrimSpace(r.Media[0].Raw); u != "" {
			return u
		}
	}
	if r.Metadata != nil {
		return strings.TrimSpace(r.Metadata.Image)
	}
	return ""
}

// toPage converts a decoded response into a Page, failing on the first bad record.
func (p collectionPage) toPage() (Page, error) {
	if p.NFTs == nil {
		return Page{}, &ParseError{Endpoint: endpointCollection, Index: -1, Reason: "missing nfts"}
	}

	page := Page{Items: make([]asset.Ref, 0, len(*p.NFTs))}
	for i, rec := range *p.NFTs {
		if rec.ID == nil || rec.ID.TokenID == "" {
			return Page{}, &ParseError{Endpoint: endpointCollection, Index: i, Reason: "missing id.tokenId"}
		}
		id, err := asset.ParseItemID(rec.ID.TokenID)
		if err != nil {
			return Page{}, &ParseError{Endpoint: endpointCollection, Index: i, Reason: "bad token id", Err: err}
		}
		uri := rec.assetURI()
		if uri == "" {
			return Page{}, &ParseError{Endpoint: endpointCollection, Index: i, Reason: "no media uri"}
		}
		page.Items = append(page.Items, asset.Ref{ItemID: id, URI: uri})
	}

	if p.NextToken != "" {
		next, err := asset.ParseItemID(p.NextToken)
		if err != nil {
			return Page{}, &ParseError{Endpoint: endpointCollection, Index: -1, Reason: "bad nextToken", Err: err}
		}
		page.NextToken = next
	}
	return page, nil
}
